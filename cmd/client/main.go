package main

import (
	"log"

	"github.com/HMasataka/aeyes/cmd/client/handler"
	"github.com/jessevdk/go-flags"
)

func main() {
	parser := flags.NewParser(nil, flags.Default)
	parser.AddCommand("stream", "Stream the camera through the relay", "", handler.NewStreamCommand())
	parser.AddCommand("photo", "Send one photo through the relay", "", handler.NewPhotoCommand())
	parser.AddCommand("view", "Receive relayed chunks, photos and direct calls", "", handler.NewViewCommand())
	parser.AddCommand("call", "Open a direct transport to a peer", "", handler.NewCallCommand())

	_, err := parser.Parse()
	if err != nil {
		log.Fatal(err)
	}
}
