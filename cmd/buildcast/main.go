package main

import "github.com/davarch/buildcast/cmd/buildcast/cli"

func main() {
	cli.Execute()
}
