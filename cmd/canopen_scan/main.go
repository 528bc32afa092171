package main

// Scans the bus for alive nodes and prints what they report over SDO

import (
	"flag"
	"fmt"
	"time"

	_ "github.com/christiansandberg/canopen/pkg/can/socketcan"
	_ "github.com/christiansandberg/canopen/pkg/can/virtual"
	"github.com/christiansandberg/canopen/pkg/network"
	"github.com/christiansandberg/canopen/pkg/od"
	log "github.com/sirupsen/logrus"
)

var DEFAULT_INTERFACE = "socketcan"
var DEFAULT_CHANNEL = "can0"
var DEFAULT_BITRATE = 500000

var identityLabels = []string{"vendor id", "product code", "revision number", "serial number"}

func main() {
	canInterface := flag.String("i", DEFAULT_INTERFACE, "interface type e.g. socketcan,virtual")
	channel := flag.String("c", DEFAULT_CHANNEL, "channel e.g. can0,vcan0 or host:port for virtual")
	bitrate := flag.Int("b", DEFAULT_BITRATE, "bitrate in bit/s")
	timeout := flag.Duration("t", time.Second, "time to wait for answers")
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
	err = network.Connect(*canInterface, *channel, *bitrate)
	if err != nil {
		panic(err)
	}
	defer network.Disconnect()

	err = network.Scanner.Search(127)
	if err != nil {
		panic(err)
	}
	time.Sleep(*timeout)

	nodes := network.Scanner.Nodes()
	if len(nodes) == 0 {
		fmt.Println("no nodes found")
		return
	}
	for _, nodeId := range nodes {
		fmt.Printf("found node x%x\n", nodeId)
		remote, err := network.AddRemoteNode(nodeId, nil)
		if err != nil {
			log.Warnf("[SCAN][x%x] %v", nodeId, err)
			continue
		}
		if deviceType, err := remote.SDO.ReadUint32(od.EntryDeviceType, 0); err == nil {
			fmt.Printf("  device type      x%08x\n", deviceType)
		}
		for sub := uint8(1); sub <= 4; sub++ {
			value, err := remote.SDO.ReadUint32(od.EntryIdentity, sub)
			if err != nil {
				continue
			}
			fmt.Printf("  %-16s x%08x\n", identityLabels[sub-1], value)
		}
	}
}
