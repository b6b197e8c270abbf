package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/alexandrecolauto/lodestone/client/config"
	"github.com/alexandrecolauto/lodestone/client/pkg/discovery"
)

const usage = `usage: lodestone <command> [flags]

commands:
  register   -name NAME -address ADDR -port PORT [-id ID] [-tags a,b] [-health-url URL]
  deregister ID
  get        ID
  list       [-name PREFIX]
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Printf("Application failed: %v", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}
	path := os.Getenv("LODESTONE_CONFIG_PATH")
	if path == "" {
		path = "lodestone-client.yaml"
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	client, err := discovery.NewClient(discovery.Config{
		BaseURLs:     cfg.Discovery.BaseURLs,
		Timeout:      cfg.Discovery.Timeout,
		MaxRedirects: cfg.Discovery.MaxRedirects,
		Wait:         cfg.Discovery.Wait,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "register":
		fs := flag.NewFlagSet("register", flag.ContinueOnError)
		id := fs.String("id", "", "service id, generated when empty")
		name := fs.String("name", "", "service name")
		address := fs.String("address", "", "service address")
		port := fs.Uint("port", 0, "service port")
		tags := fs.String("tags", "", "comma separated tags")
		healthURL := fs.String("health-url", "", "health check url")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *port > 65535 {
			return fmt.Errorf("port %d out of range", *port)
		}
		s := discovery.Service{
			ID:             *id,
			Name:           *name,
			Address:        *address,
			Port:           uint16(*port),
			HealthCheckURL: *healthURL,
		}
		if *tags != "" {
			s.Tags = strings.Split(*tags, ",")
		}
		res, err := client.Register(ctx, s)
		if err != nil {
			return err
		}
		return printJSON(res)
	case "deregister":
		if len(rest) != 1 {
			return fmt.Errorf("deregister takes exactly one service id")
		}
		res, err := client.Deregister(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("get takes exactly one service id")
		}
		inst, err := client.Get(ctx, rest[0])
		if err != nil {
			return err
		}
		return printJSON(inst)
	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		name := fs.String("name", "", "service name prefix")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		list, err := client.List(ctx, *name)
		if err != nil {
			return err
		}
		return printJSON(list)
	}
	fmt.Fprint(os.Stderr, usage)
	return fmt.Errorf("unknown command %q", cmd)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
