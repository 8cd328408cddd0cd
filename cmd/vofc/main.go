package main

import (
	"os"

	"horse.fit/vofc/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
