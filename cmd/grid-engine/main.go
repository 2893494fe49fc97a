package main

import "yqhp/grid-engine/cmd"

func main() {
	cmd.Execute()
}
