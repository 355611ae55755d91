package main

import "ocm.software/open-component-model/multiregistry/cli/cmd"

func main() {
	cmd.Execute()
}
