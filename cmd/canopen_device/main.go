package main

// Serves a local node, used for demos and automated testing

import (
	"flag"

	_ "github.com/christiansandberg/canopen/pkg/can/socketcan"
	_ "github.com/christiansandberg/canopen/pkg/can/virtual"
	"github.com/christiansandberg/canopen/pkg/network"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_NODE_ID = 0x20
var DEFAULT_INTERFACE = "virtual"
var DEFAULT_CHANNEL = "127.0.0.1:18888"

func main() {
	log.SetLevel(log.DebugLevel)
	canInterface := flag.String("i", DEFAULT_INTERFACE, "interface type e.g. socketcan,virtual")
	channel := flag.String("c", DEFAULT_CHANNEL, "channel e.g. vcan0 or host:port for virtual")
	nodeId := flag.Int("n", DEFAULT_NODE_ID, "node id")
	edsPath := flag.String("p", "", "eds file path, defaults to the embedded dictionary")
	flag.Parse()

	network, err := network.NewNetwork(nil)
	if err != nil {
		panic(err)
	}
	err = network.Connect(*canInterface, *channel, 500000)
	if err != nil {
		panic(err)
	}

	var odict any
	if *edsPath != "" {
		odict = *edsPath
	}
	_, err = network.CreateLocalNode(uint8(*nodeId), odict)
	if err != nil {
		panic(err)
	}
	select {}
}
