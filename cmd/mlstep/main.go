package main

import "github.com/strrl/mlstep/internal/cmd"

func main() {
	cmd.Execute()
}
