package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/heraldhq/herald/internal/idgen"
	"github.com/heraldhq/herald/internal/models"
	"github.com/heraldhq/herald/internal/userstore"
)

const usageText = `seed fills a herald database with generated users.

Usage:

  seed [options]

Options:

`

const usageExamples = `
Examples:

  # 10000 users against a local database
  seed -db=postgres://localhost:5432/herald

  # A million users, every one with both dates, no prompt
  seed -users=1000000 -birthday-ratio=1 -anniversary-ratio=1 -yes
`

var (
	dbURL            = flag.String("db", "", "Postgres URL (defaults to POSTGRES_URL or DB_URL)")
	numUsers         = flag.Int("users", 10000, "Number of users to create")
	birthdayRatio    = flag.Float64("birthday-ratio", 0.95, "Portion of users with a birthday")
	anniversaryRatio = flag.Float64("anniversary-ratio", 0.6, "Portion of users with an anniversary")
	concurrency      = flag.Int("concurrency", 10, "Number of concurrent writers")
	verbose          = flag.Bool("verbose", false, "Print every user as it is written")
	skipConfirm      = flag.Bool("yes", false, "Skip the confirmation prompt")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usageText)
		flag.PrintDefaults()
		fmt.Fprint(flag.CommandLine.Output(), usageExamples)
	}
	flag.Parse()

	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	url := *dbURL
	if url == "" {
		url = os.Getenv("POSTGRES_URL")
	}
	if url == "" {
		url = os.Getenv("DB_URL")
	}
	if url == "" {
		return fmt.Errorf("no Postgres URL: pass -db or set POSTGRES_URL")
	}

	fmt.Printf("Database:    %s\n", url)
	fmt.Printf("Users:       %d\n", *numUsers)
	fmt.Printf("Birthday:    %.0f%%\n", *birthdayRatio*100)
	fmt.Printf("Anniversary: %.0f%%\n", *anniversaryRatio*100)
	fmt.Printf("Writers:     %d\n\n", *concurrency)

	if !*skipConfirm && !confirm(fmt.Sprintf("Write %d users? [y/N] ", *numUsers)) {
		fmt.Println("Aborted.")
		return nil
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping %s (have migrations run?): %w", url, err)
	}

	// Seed(0) picks a fresh seed from crypto/rand.
	gofakeit.Seed(0)

	store := userstore.New(userstore.Config{PG: pool})
	stats := &tally{}
	start := time.Now()

	work := make(chan int, *concurrency*2)
	var wg sync.WaitGroup
	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seedWorker(ctx, store, work, stats)
		}()
	}
	for i := range *numUsers {
		work <- i
	}
	close(work)
	wg.Wait()

	fmt.Printf("\nSeeded %d users in %s: %d birthdays, %d anniversaries.\n",
		stats.users, time.Since(start).Round(time.Millisecond), stats.birthdays, stats.anniversaries)
	if n := len(stats.errors); n > 0 {
		fmt.Printf("%d writes failed.\n", n)
		if *verbose {
			for _, msg := range stats.errors {
				fmt.Println(" ", msg)
			}
		}
	}
	return nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	sc := bufio.NewScanner(os.Stdin)
	if !sc.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(sc.Text()))
	return answer == "y" || answer == "yes"
}

type tally struct {
	mu            sync.Mutex
	users         int
	birthdays     int
	anniversaries int
	errors        []string
}

func (t *tally) user(u models.User) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.users++
	if u.BirthdayDate != nil {
		t.birthdays++
	}
	if u.AnniversaryDate != nil {
		t.anniversaries++
	}
}

func (t *tally) fail(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errors = append(t.errors, msg)
}

func seedWorker(ctx context.Context, store userstore.UserStore, work <-chan int, stats *tally) {
	for i := range work {
		user := generateUser(i)
		if *verbose {
			fmt.Printf("  %s  %-14s %s\n", user.ID, user.FirstName, user.Timezone)
		}
		if err := store.Upsert(ctx, user); err != nil {
			stats.fail(fmt.Sprintf("user %s: %v", user.ID, err))
			continue
		}
		stats.user(user)
	}
}

func generateUser(i int) models.User {
	firstName := gofakeit.FirstName()

	user := models.User{
		ID:        idgen.String(),
		FirstName: firstName,
		Email:     generateEmail(firstName, i),
		Timezone:  generateTimezone(),
	}

	if rand.Float64() < *birthdayRatio {
		date := generateDate(1950, 2007)
		user.BirthdayDate = &date
	}
	if rand.Float64() < *anniversaryRatio {
		date := generateDate(2005, 2025)
		user.AnniversaryDate = &date
	}

	return user
}

// generateEmail embeds the user index so a seeding run never trips the
// unique email constraint on itself.
func generateEmail(firstName string, i int) string {
	return strings.ToLower(fmt.Sprintf("%s.%s%d@%s", firstName, gofakeit.LastName(), i, gofakeit.DomainName()))
}

// generateTimezone spreads users across zones from UTC+13 down to UTC-10 so
// local-time scheduling gets exercised around the whole clock.
func generateTimezone() string {
	zones := []string{
		"Pacific/Auckland",
		"Australia/Sydney",
		"Asia/Tokyo",
		"Asia/Shanghai",
		"Asia/Kolkata",
		"Asia/Dubai",
		"Europe/Moscow",
		"Africa/Cairo",
		"Europe/Berlin",
		"Europe/London",
		"America/Sao_Paulo",
		"America/New_York",
		"America/Chicago",
		"America/Denver",
		"America/Los_Angeles",
		"Pacific/Honolulu",
	}
	return zones[rand.Intn(len(zones))]
}

func generateDate(minYear, maxYear int) models.Date {
	t := gofakeit.DateRange(
		time.Date(minYear, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(maxYear, time.December, 31, 0, 0, 0, 0, time.UTC),
	)
	return models.NewDate(t.Year(), t.Month(), t.Day())
}
