package main

import "swap2p/cmd/swap2pctl/cmd"

func main() {
	cmd.Execute()
}
