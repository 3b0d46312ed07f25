package main

import "github.com/mossy-p/stranger-signaling/cmd/strangerctl/cmd"

func main() {
	cmd.Execute()
}
