// userctl manages the Courier user directory: registration is an
// administrative action, not a wire operation, so users are created here
// and not by the server.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/term"

	"github.com/courierchat/courier/pkg/directory"
	"github.com/courierchat/courier/pkg/protocol"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: userctl -db <path> <command> [args]

Commands:
  add <username> [pubkey-file]   Register a user (prompts for password)
  del <username>                 Delete a user
  list                           List registered users
  stats <username>               Show message counters for a user
`)
	os.Exit(2)
}

func main() {
	log.SetFlags(0)

	dbPath := flag.String("db", "", "Path to the directory database")
	password := flag.String("password", "", "Password for add (prompts when empty)")
	flag.Usage = usage
	flag.Parse()

	if *dbPath == "" || flag.NArg() < 1 {
		usage()
	}

	store, err := directory.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open directory: %v", err)
	}
	defer store.Close()

	switch flag.Arg(0) {
	case "add":
		if flag.NArg() < 2 {
			usage()
		}
		addUser(store, flag.Arg(1), flag.Arg(2), *password)
	case "del":
		if flag.NArg() != 2 {
			usage()
		}
		if err := store.DeleteUser(flag.Arg(1)); err != nil {
			log.Fatalf("Failed to delete user: %v", err)
		}
		fmt.Printf("Deleted user %q\n", flag.Arg(1))
	case "list":
		listUsers(store)
	case "stats":
		if flag.NArg() != 2 {
			usage()
		}
		sent, received, err := store.MessageStats(flag.Arg(1))
		if err != nil {
			log.Fatalf("Failed to load stats: %v", err)
		}
		fmt.Printf("%s: %d sent, %d received\n", flag.Arg(1), sent, received)
	default:
		usage()
	}
}

func addUser(store *directory.Store, username, pubkeyFile, password string) {
	if password == "" {
		fmt.Fprintf(os.Stderr, "Password for %s: ", username)
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			log.Fatalf("Failed to read password: %v", err)
		}
		password = string(raw)
	}
	if password == "" {
		log.Fatal("Password cannot be empty")
	}

	var pubkey []byte
	if pubkeyFile != "" {
		var err error
		pubkey, err = os.ReadFile(pubkeyFile)
		if err != nil {
			log.Fatalf("Failed to read pubkey file: %v", err)
		}
	}

	loginKey := protocol.DeriveLoginKey(username, password)
	if err := store.CreateUser(username, loginKey, pubkey); err != nil {
		if errors.Is(err, directory.ErrUserExists) {
			log.Fatalf("User %q already exists", username)
		}
		log.Fatalf("Failed to create user: %v", err)
	}
	fmt.Printf("Registered user %q\n", username)
}

func listUsers(store *directory.Store) {
	users, err := store.UsersList()
	if err != nil {
		log.Fatalf("Failed to list users: %v", err)
	}
	if len(users) == 0 {
		fmt.Println("No registered users")
		return
	}
	for _, u := range users {
		lastLogin := "never"
		if !u.LastLogin.IsZero() {
			lastLogin = u.LastLogin.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-24s last login: %s\n", u.Username, lastLogin)
	}
}
