package main

import "steadyws/cmd"

func main() {
	cmd.Execute()
}
