package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/ggonzalez94/xswap/internal/app"
)

func main() {
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()
	os.Exit(app.NewRunner().Run(os.Args[1:]))
}
