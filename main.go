package main

import "homeswipe-client/cmd"

func main() {
	cmd.Run()
}
