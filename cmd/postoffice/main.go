// Command postoffice runs an echo post office and a client for it.
package main

import "github.com/Zereker/postoffice/cmd/postoffice/cmd"

func main() {
	cmd.Execute()
}
