package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vesselops/vessel-agent/pkg/mtls"
)

// Mints a bearer token the platform presents when connecting to an agent
// running in accept mode.
func main() {
	secret := flag.String("secret", os.Getenv("VESSEL_ACCEPT_SECRET"), "HMAC secret shared with the agent; generated when empty")
	identity := flag.String("identity", "", "Identity (UUID) of the agent the token is for")
	name := flag.String("agent-name", "vessel-agent", "Agent name recorded in the token")
	validity := flag.Duration("validity", 24*time.Hour, "Token lifetime")
	flag.Parse()

	if *identity == "" {
		fmt.Fprintln(os.Stderr, "Error: --identity is required")
		os.Exit(1)
	}

	if *secret == "" {
		generated, err := mtls.GenerateRandomSecret(32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		*secret = generated
		fmt.Fprintf(os.Stderr, "Generated secret (set VESSEL_ACCEPT_SECRET on the agent): %s\n", generated)
	}

	signer, err := mtls.NewTokenSigner([]byte(*secret))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	token, err := signer.Issue(*identity, *name, *validity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
