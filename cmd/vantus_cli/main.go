package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/vantus-tm/vantus/core/admin"
)

var (
	adminAddr   = flag.String("addr", "127.0.0.1:4851", "Admin address of the coordinator node")
	dialTimeout = flag.Duration("dial_timeout", 5*time.Second, "Connection timeout")
)

const helpText = `Commands:
  STATUS                 summarize registered transactions by state
  LIST                   list every registered transaction
  INFO <xid>             show one transaction
  COMMIT <xid>           drive a transaction to commit
  ROLLBACK <xid>         roll a transaction back
  FORGET <xid>           discard a heuristic outcome
  RECOVER                list in-doubt transactions
  HELP                   show this help
  EXIT                   quit`

func main() {
	flag.Parse()

	client := admin.NewClient(*adminAddr, *dialTimeout)
	defer client.Close()

	// One-shot mode: arguments after the flags form a single command.
	if args := flag.Args(); len(args) > 0 {
		if err := execute(client, strings.Join(args, " ")); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "vantus> ",
		HistoryFile:     historyPath(),
		InterruptPrompt: "^C",
	})
	if err != nil {
		log.Fatalf("Error initializing readline: %v", err)
	}
	defer rl.Close()

	fmt.Printf("Connected to %s. Type HELP for commands.\n", *adminAddr)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch strings.ToUpper(strings.Fields(line)[0]) {
		case "EXIT", "QUIT":
			return
		case "HELP":
			fmt.Println(helpText)
			continue
		}
		if err := execute(client, line); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

func execute(client *admin.Client, raw string) error {
	resp, err := client.Do(raw)
	if err != nil {
		return err
	}
	if resp.Message != "" {
		fmt.Printf("%s: %s\n", resp.Status, resp.Message)
	} else {
		fmt.Println(resp.Status)
	}
	return nil
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.vantus_cli_history"
}
