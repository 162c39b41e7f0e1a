// loadtest drives a Courier server with synthetic chat traffic: pairs of
// users authenticate and exchange messages at a fixed rate while latency
// and failure counters accumulate.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/courierchat/courier/pkg/client"
	"github.com/courierchat/courier/pkg/directory"
	"github.com/courierchat/courier/pkg/protocol"
)

const loremIpsum = "lorem ipsum dolor sit amet consectetur adipiscing elit sed do eiusmod tempor incididunt ut labore et dolore magna aliqua"

var loremWords = strings.Fields(loremIpsum)

// stats holds cross-worker counters.
type stats struct {
	sent          atomic.Int64
	delivered     atomic.Int64
	failed        atomic.Int64
	received      atomic.Int64
	authFailures  atomic.Int64
	latencyMicros atomic.Int64
}

func (s *stats) report(elapsed time.Duration) {
	sent := s.sent.Load()
	delivered := s.delivered.Load()
	avgLatency := time.Duration(0)
	if delivered > 0 {
		avgLatency = time.Duration(s.latencyMicros.Load()/delivered) * time.Microsecond
	}
	log.Printf("sent=%d delivered=%d received=%d failed=%d auth_failures=%d avg_ack_latency=%s rate=%.1f msg/s",
		sent, delivered, s.received.Load(), s.failed.Load(), s.authFailures.Load(),
		avgLatency, float64(delivered)/elapsed.Seconds())
}

func randomText(maxWords int) string {
	n := 1 + rand.Intn(maxWords)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	return strings.Join(words, " ")
}

func main() {
	log.SetFlags(log.Ltime)

	addr := flag.String("server", "localhost:7342", "Server address")
	pairs := flag.Int("pairs", 10, "Number of user pairs")
	rate := flag.Float64("rate", 1.0, "Messages per second per sender")
	duration := flag.Duration("duration", 60*time.Second, "Test duration")
	password := flag.String("password", "loadtest", "Password shared by test users")
	seedDB := flag.String("seed-db", "", "Directory database to register test users in (server must be restarted after seeding)")
	flag.Parse()

	usernames := make([]string, 2*(*pairs))
	for i := range usernames {
		usernames[i] = fmt.Sprintf("load%04d", i)
	}

	if *seedDB != "" {
		seedUsers(*seedDB, usernames, *password)
		log.Printf("Seeded %d users into %s", len(usernames), *seedDB)
		return
	}

	var st stats
	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < *pairs; i++ {
		sender, receiver := usernames[2*i], usernames[2*i+1]
		wg.Add(2)
		go runReceiver(&wg, &st, *addr, receiver, *password, stop)
		go runSender(&wg, &st, *addr, sender, receiver, *password, *rate, stop)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	start := time.Now()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	deadline := time.After(*duration)

loop:
	for {
		select {
		case <-ticker.C:
			st.report(time.Since(start))
		case <-deadline:
			break loop
		case <-sigChan:
			log.Printf("Interrupted")
			break loop
		}
	}

	close(stop)
	wg.Wait()

	log.Printf("Final:")
	st.report(time.Since(start))
}

// seedUsers registers the test users straight into the directory database.
func seedUsers(dbPath string, usernames []string, password string) {
	store, err := directory.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open directory: %v", err)
	}
	defer store.Close()

	for _, username := range usernames {
		key := protocol.DeriveLoginKey(username, password)
		if err := store.CreateUser(username, key, nil); err != nil && !errors.Is(err, directory.ErrUserExists) {
			log.Fatalf("Failed to register %s: %v", username, err)
		}
	}
}

// runReceiver signs in and drains relayed messages until told to stop.
func runReceiver(wg *sync.WaitGroup, st *stats, addr, username, password string, stop <-chan struct{}) {
	defer wg.Done()

	c, err := client.Dial(addr)
	if err != nil {
		st.authFailures.Add(1)
		log.Printf("%s: dial failed: %v", username, err)
		return
	}
	defer c.Exit()

	if err := c.Authenticate(username, password, nil); err != nil {
		st.authFailures.Add(1)
		log.Printf("%s: auth failed: %v", username, err)
		return
	}

	for {
		select {
		case <-stop:
			return
		case _, ok := <-c.Relays():
			if !ok {
				return
			}
			st.received.Add(1)
		}
	}
}

// runSender signs in and pushes messages to its partner at the given rate.
func runSender(wg *sync.WaitGroup, st *stats, addr, username, partner, password string, rate float64, stop <-chan struct{}) {
	defer wg.Done()

	c, err := client.Dial(addr)
	if err != nil {
		st.authFailures.Add(1)
		log.Printf("%s: dial failed: %v", username, err)
		return
	}
	defer c.Exit()

	if err := c.Authenticate(username, password, nil); err != nil {
		st.authFailures.Add(1)
		log.Printf("%s: auth failed: %v", username, err)
		return
	}

	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			st.sent.Add(1)
			start := time.Now()
			if err := c.SendMessage(partner, randomText(12)); err != nil {
				st.failed.Add(1)
				continue
			}
			st.delivered.Add(1)
			st.latencyMicros.Add(time.Since(start).Microseconds())
		}
	}
}
