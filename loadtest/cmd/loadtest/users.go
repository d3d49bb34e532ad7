package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/horizon/dm-app/internal/directory"
)

var (
	firstNames = []string{"Alice", "Bob", "Carol", "Dave", "Erin", "Frank", "Grace", "Heidi", "Ivan", "Judy", "Mallory", "Niaj", "Olivia", "Peggy", "Rupert", "Sybil", "Trent", "Victor", "Walter", "Yasmin"}
	lastNames  = []string{"Anders", "Alvarez", "Chen", "Diaz", "Evans", "Fischer", "Garcia", "Hughes", "Ivanova", "Jones", "Khan", "Lopez", "Moreau", "Novak", "Okafor", "Patel"}
	companies  = []string{"Acme", "Initech", "Globex", "Hooli", "Umbrella", "Stark Industries", "Wayne Enterprises", "Soylent", "Vandelay", "Wonka"}
	locations  = []string{"Berlin", "Lagos", "Lima", "Mumbai", "Osaka", "Toronto"}
)

// runUsers writes a JSON array of synthetic users with ids first..first+n-1,
// suitable for DM_USERS_FILE.
func runUsers(args []string) {
	fs := flag.NewFlagSet("users", flag.ExitOnError)
	n := fs.Int("n", 1000, "Number of users")
	first := fs.Int("first-id", 1, "Id of the first user")
	out := fs.String("out", "users.json", "Output file")
	fs.Parse(args)

	users := make([]directory.User, 0, *n)
	for i := 0; i < *n; i++ {
		users = append(users, directory.User{
			ID:              userID(*first, i),
			FullName:        fmt.Sprintf("%s %s", firstNames[i%len(firstNames)], lastNames[(i/len(firstNames))%len(lastNames)]),
			PassoutYear:     2000 + i%25,
			CurrentCompany:  companies[i%len(companies)],
			CurrentLocation: locations[i%len(locations)],
		})
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal users: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", *out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %d users (ids %s..%s) to %s\n", *n, userID(*first, 0), userID(*first, *n-1), *out)
}
