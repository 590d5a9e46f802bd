package main

import "github.com/R0d3ric/OpenAM/openam-ui-policy/cmd"

func main() {
	cmd.Execute()
}
