package main

import (
	"flag"

	"github.com/joho/godotenv"
	"go.uber.org/fx"

	"runnerlink/internal/engine"
)

func main() {
	sessionFlag := flag.String("session", "default", "session name")
	flag.Parse()

	// Optional .env overlay (RUNNERLINK_TOKEN etc.); absence is fine.
	_ = godotenv.Load()

	app := fx.New(
		engine.Module(engine.Params{SessionName: *sessionFlag}),
	)

	app.Run()
}
