package main

import (
	"github.com/packlane/packlane/internal/cmd"
)

func main() {
	cmd.Execute()
}
