// Courier terminal client: a line-oriented front end over the protocol
// driver in pkg/client.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/courierchat/courier/pkg/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(0)

	addr := flag.String("server", "localhost:7342", "Server address (host:port, tcp:// or ws://)")
	username := flag.String("user", "", "Username to sign in as")
	pubkeyFile := flag.String("pubkey", "", "Public key file to publish at login")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("Courier Client %s\n", Version)
		os.Exit(0)
	}
	if *username == "" {
		log.Fatal("-user is required")
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", *username)
	rawPassword, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Fatalf("Failed to read password: %v", err)
	}

	var pubkey []byte
	if *pubkeyFile != "" {
		pubkey, err = os.ReadFile(*pubkeyFile)
		if err != nil {
			log.Fatalf("Failed to read pubkey file: %v", err)
		}
	}

	c, err := client.Dial(*addr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer c.Close()

	if err := c.Authenticate(*username, string(rawPassword), pubkey); err != nil {
		log.Fatalf("Authentication failed: %v", err)
	}
	fmt.Printf("Signed in as %s on %s\n", *username, *addr)
	fmt.Println(`Commands: /msg <user> <text>, /contacts, /add <user>, /del <user>, /users, /key <user>, /ping, /quit`)

	// Incoming traffic prints above the prompt.
	go func() {
		for {
			select {
			case msg, ok := <-c.Relays():
				if !ok {
					return
				}
				fmt.Printf("[%s] %s: %s\n", msg.Time.Format("15:04:05"), msg.From, msg.Text)
			case notify, ok := <-c.Notifies():
				if !ok {
					return
				}
				fmt.Printf("* server: %s\n", notify.Message)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !runCommand(c, line) {
			break
		}
	}

	c.Exit()
}

// runCommand executes one input line; it returns false when the client
// should quit.
func runCommand(c *client.Client, line string) bool {
	cmd := line
	args := ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		cmd, args = line[:i], strings.TrimSpace(line[i+1:])
	}

	switch cmd {
	case "/msg":
		to, text, ok := strings.Cut(args, " ")
		if !ok || to == "" || text == "" {
			fmt.Println("usage: /msg <user> <text>")
			return true
		}
		if err := c.SendMessage(to, text); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "/contacts":
		contacts, err := c.Contacts()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		if len(contacts) == 0 {
			fmt.Println("no contacts")
			return true
		}
		for _, contact := range contacts {
			fmt.Printf("  %s\n", contact)
		}
	case "/add":
		if args == "" {
			fmt.Println("usage: /add <user>")
			return true
		}
		if err := c.AddContact(args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "/del":
		if args == "" {
			fmt.Println("usage: /del <user>")
			return true
		}
		if err := c.RemoveContact(args); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "/users":
		users, err := c.Users()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		for _, u := range users {
			lastLogin := "never"
			if !u.LastLogin.IsZero() && u.LastLogin.Unix() != 0 {
				lastLogin = u.LastLogin.Format("2006-01-02 15:04")
			}
			fmt.Printf("  %-24s last login: %s\n", u.Username, lastLogin)
		}
	case "/key":
		if args == "" {
			fmt.Println("usage: /key <user>")
			return true
		}
		pubkey, err := c.Pubkey(args)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("%s\n", pubkey)
	case "/ping":
		rtt, err := c.Ping()
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return true
		}
		fmt.Printf("pong in %s\n", rtt.Round(time.Microsecond))
	case "/quit":
		return false
	default:
		fmt.Printf("unknown command %q\n", cmd)
	}
	return true
}
