// Command cerberus is the MCP governance gateway.
package main

import "github.com/cerberus-gate/cerberus/cmd/cerberus/cmd"

func main() {
	cmd.Execute()
}
