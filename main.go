package main

import "github.com/openfabric/fabricd/cmd"

func main() {
	cmd.Execute()
}
