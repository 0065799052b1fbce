package cmd

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"accounts/bootstrap"
	"accounts/legacy"
	"accounts/users"

	"github.com/spf13/cobra"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed seed.schema.json
var seedSchema []byte

// seedUser is one entry of a seed file.
type seedUser struct {
	Username    string `yaml:"username"`
	Email       string `yaml:"email"`
	Password    string `yaml:"password"`
	Forename    string `yaml:"forename"`
	Surname     string `yaml:"surname"`
	Affiliation string `yaml:"affiliation"`
	Country     string `yaml:"country"`
	Banned      bool   `yaml:"banned"`
}

type seedResult struct {
	Username          string `json:"username"`
	UserID            int64  `json:"user_id,omitempty"`
	GeneratedPassword string `json:"generated_password,omitempty"`
	Error             string `json:"error,omitempty"`
}

func readSeedFile(filename string) ([]seedUser, error) {
	if err := validateFilePath(filename); err != nil {
		return nil, fmt.Errorf("invalid file path: %w", err)
	}

	info, err := os.Stat(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() > maxSeedFileSize {
		return nil, fmt.Errorf("file too large: maximum size is %d bytes, got %d bytes", maxSeedFileSize, info.Size())
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateSeed(doc); err != nil {
		return nil, err
	}

	var seed struct {
		Users []seedUser `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return seed.Users, nil
}

// validateSeed checks a decoded seed document against the embedded schema.
func validateSeed(doc interface{}) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(seedSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to validate seed file: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("seed file does not match schema: %s", strings.Join(problems, "; "))
	}
	return nil
}

func newSeedUsersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-users <file>",
		Short: "Create users from a YAML file",
		Long: `Create users listed in a YAML file in both the users and legacy databases.

Entries without a password get a generated one, printed once.

  users:
    - username: jdoe
      email: jdoe@example.org
      password: correct-horse-battery
      country: US`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()
			out := cmd.OutOrStdout()

			entries, err := readSeedFile(args[0])
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			db, cleanup, err := openDatabases(cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			if !quiet && !outputJSON {
				headerColor.Fprintf(out, "Seeding %d users\n", len(entries))
			}

			results := make([]seedResult, 0, len(entries))
			failed := 0
			for _, entry := range entries {
				res := seedOne(ctx, db, entry)
				results = append(results, res)
				if res.Error != "" {
					failed++
				}
				if outputJSON {
					continue
				}
				switch {
				case res.Error != "":
					errorColor.Fprintf(out, "✗ %s: %s\n", res.Username, res.Error)
				case !quiet:
					successColor.Fprintf(out, "✓ %s (id %d)\n", res.Username, res.UserID)
					if res.GeneratedPassword != "" {
						warningColor.Fprintf(out, "  generated password: %s\n", res.GeneratedPassword)
					}
				}
			}

			if outputJSON {
				if err := json.NewEncoder(out).Encode(results); err != nil {
					return err
				}
			} else if !quiet {
				fmt.Fprintf(out, "\nCreated %d users, %d failed\n", len(entries)-failed, failed)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d users failed", failed, len(entries))
			}
			return nil
		},
	}
}

func seedOne(ctx context.Context, db *databases, entry seedUser) seedResult {
	res := seedResult{Username: entry.Username}

	password := entry.Password
	if password == "" {
		generated, err := bootstrap.GenerateSecurePassword(20)
		if err != nil {
			res.Error = err.Error()
			return res
		}
		password = generated
		res.GeneratedPassword = generated
	}

	user, err := db.users.Register(ctx, users.Registration{
		Username:    entry.Username,
		Email:       entry.Email,
		Password:    password,
		Forename:    entry.Forename,
		Surname:     entry.Surname,
		Affiliation: entry.Affiliation,
		Country:     entry.Country,
	})
	if err != nil {
		res.GeneratedPassword = ""
		if errors.Is(err, users.ErrUserExists) {
			res.Error = "already exists"
		} else {
			res.Error = err.Error()
		}
		return res
	}
	res.UserID = user.UserID

	if entry.Banned {
		if err := db.users.SetBanned(ctx, user.UserID, true); err != nil {
			res.Error = err.Error()
			return res
		}
	}

	if _, err := db.legacy.RegisterUser(ctx, legacy.LegacyUser{
		UserID:    user.UserID,
		Nickname:  user.Username,
		Email:     user.Email,
		FirstName: user.Forename,
		LastName:  user.Surname,
		Joined:    user.JoinedAt,
		Approved:  true,
		Banned:    entry.Banned,
	}, user.PasswordHash); err != nil {
		res.Error = fmt.Sprintf("legacy mirror failed: %v", err)
	}
	return res
}
