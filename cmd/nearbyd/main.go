package main

import "nearby-alerts/internal/cli"

func main() {
	cli.Execute()
}
