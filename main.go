package main

import "github.com/ruleflow/ruleflow/cmd"

var version = "Development"

func main() {
	cmd.AppVersion = version
	cmd.Execute()
}
