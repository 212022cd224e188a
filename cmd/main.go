package main

import "github.com/exchange-agent/cmd/agent"

func main() {
	agent.Execute()
}
