package main

import (
	"context"
	"os"

	"github.com/tweag/resourcetracker/cmd/resourcetracker"
)

func main() {
	resourcetracker.Run(context.Background(), os.Args)
}
