package main

import "github.com/jake-scott/tuya-bridge/cmd"

func main() {
	cmd.Execute()
}
