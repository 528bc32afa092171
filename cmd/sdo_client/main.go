package main

// Reads or writes one dictionary object of a remote node over SDO

import (
	"flag"
	"fmt"
	"strconv"

	_ "github.com/christiansandberg/canopen/pkg/can/socketcan"
	_ "github.com/christiansandberg/canopen/pkg/can/virtual"
	"github.com/christiansandberg/canopen/pkg/network"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_NODE_ID = 0x20
var DEFAULT_INTERFACE = "socketcan"
var DEFAULT_CHANNEL = "can0"

func main() {
	canInterface := flag.String("i", DEFAULT_INTERFACE, "interface type e.g. socketcan,virtual")
	channel := flag.String("c", DEFAULT_CHANNEL, "channel e.g. can0,vcan0 or host:port for virtual")
	nodeId := flag.Int("n", DEFAULT_NODE_ID, "node id")
	edsPath := flag.String("p", "", "eds file path, defaults to the embedded dictionary")
	name := flag.String("o", "Producer heartbeat time", "object name, as named in the EDS")
	write := flag.String("w", "", "value to write instead of reading")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.WarnLevel)
	}

	network, err := network.NewNetwork(nil)
	if err != nil {
		panic(err)
	}
	err = network.Connect(*canInterface, *channel, 500000)
	if err != nil {
		panic(err)
	}
	defer network.Disconnect()

	var odict any
	if *edsPath != "" {
		odict = *edsPath
	}
	remote, err := network.AddRemoteNode(uint8(*nodeId), odict)
	if err != nil {
		panic(err)
	}
	variable, err := remote.SDO.Find(*name)
	if err != nil {
		panic(err)
	}
	if *write != "" {
		if phys, perr := strconv.ParseFloat(*write, 64); perr == nil {
			err = variable.SetPhys(phys)
		} else {
			err = variable.SetValue(*write)
		}
		if err != nil {
			panic(err)
		}
	}
	value, err := variable.Value()
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s : %v\n", *name, value)
}
