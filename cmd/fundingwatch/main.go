package main

import "funding-alerts/internal/cli"

func main() {
	cli.Execute()
}
