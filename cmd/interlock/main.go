package main

import "github.com/interlock-hie/interlock/cmd/interlock/cmd"

func main() {
	cmd.Execute()
}
