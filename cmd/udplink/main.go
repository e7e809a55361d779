// Udplink is the command line front end of the reliable UDP transport: it
// runs a listening server, sends one-shot messages and opens interactive
// chat sessions over a link.
package main

import "github.com/1ureka/udplink/cmd/udplink/commands"

func main() {
	commands.Execute()
}
