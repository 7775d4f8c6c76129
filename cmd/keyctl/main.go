// keyctl manages portcullis API keys directly in the database.
package main

import "github.com/MGallo-Code/portcullis/cmd/keyctl/cmd"

func main() {
	cmd.Execute()
}
