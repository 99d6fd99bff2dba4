// Command llmosd is the LLMOS Bridge daemon: it validates and executes
// IML plans submitted over the local REST API, behind the layered
// security pipeline (input scanning, LLM intent verification,
// permission guard, runtime checks).
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/auth"
	"github.com/mbathe/LLMOS-Bridge-sub001/pkg/config"
)

const daemonVersion = "2.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches the subcommand; split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(args[1:], stderr)
	}
	switch args[1] {
	case "serve", "server":
		return runServer(args[2:], stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "mint-token":
		return runMintToken(args[2:], stdout, stderr)
	case "hash-key":
		return runHashKey(args[2:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintln(stdout, daemonVersion)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServer(args[1:], stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "llmosd - LLMOS Bridge daemon")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: llmosd <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the daemon (default)")
	fmt.Fprintln(w, "  health       Check a running daemon over HTTP")
	fmt.Fprintln(w, "  mint-token   Mint a JWT for the configured secret")
	fmt.Fprintln(w, "  hash-key     Print the bcrypt hash of an API key for config")
	fmt.Fprintln(w, "  version      Show version")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Serve flags:")
	fmt.Fprintln(w, "  --config <path>   Use one config file instead of the search path")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	url := fmt.Sprintf("http://%s:%d/health", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(stdout, string(body))
	return 0
}

// runMintToken mints a short-lived bearer token against the configured
// JWT secret, for scripting against an authenticated daemon.
func runMintToken(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mint-token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file")
	subject := fs.String("subject", "operator", "token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	if cfg.Server.JWTSecret == "" {
		fmt.Fprintln(stderr, "server.jwt_secret is not configured")
		return 2
	}

	token, err := auth.MintToken(cfg.Server.JWTSecret, *subject, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(*ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "mint token: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

func runHashKey(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, "Usage: llmosd hash-key <api-key>")
		return 2
	}
	hash, err := auth.HashAPIKey(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "hash key: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, hash)
	return 0
}
