package main

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"harvest/app"
	"harvest/config"
	"harvest/log"
	"harvest/session/git"
)

const version = "1.0.5"

var (
	repoFlag        string
	ownerFlag       string
	repoNameFlag    string
	sessionNameFlag string
	programFlag     string
	authorFlag      string
	emailFlag       string
	validateFlag    string

	hostFlag string
	userFlag string

	rootCmd = &cobra.Command{
		Use:   "harvest",
		Short: "Harvest - sandboxed agent sessions with safe publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()
			log.InitDebug()
			defer log.CloseDebug()

			cfg := config.LoadConfig()

			repoPath, err := filepath.Abs(repoFlag)
			if err != nil {
				return fmt.Errorf("failed to resolve repository path: %w", err)
			}

			owner, name := ownerFlag, repoNameFlag
			if owner == "" || name == "" {
				owner, name, err = originOwnerRepo(repoPath)
				if err != nil {
					return fmt.Errorf("could not derive repository identity, pass --owner and --repo-name: %w", err)
				}
			}

			identity := git.Identity{Name: authorFlag, Email: emailFlag}
			if identity.Name == "" {
				identity.Name = gitConfig(repoPath, "user.name")
			}
			if identity.Email == "" {
				identity.Email = gitConfig(repoPath, "user.email")
			}
			if identity.Email == "" {
				return fmt.Errorf("no author email configured, pass --email or set git user.email")
			}

			program := programFlag
			if program == "" {
				program = cfg.DefaultProgram
			}

			return app.Run(cmd.Context(), app.Options{
				RepoPath:    repoPath,
				RepoOwner:   owner,
				RepoName:    name,
				SessionName: sessionNameFlag,
				Program:     program,
				Identity:    identity,
				ValidateCmd: validateFlag,
			})
		},
	}

	loginCmd = &cobra.Command{
		Use:   "login",
		Short: "Store a git access token for pushes from agent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userFlag == "" {
				return fmt.Errorf("pass --user with the account name the token belongs to")
			}
			token, err := readToken()
			if err != nil {
				return err
			}
			if err := git.WriteCredentialStore(hostFlag, userFlag, token); err != nil {
				return err
			}
			fmt.Printf("stored credential for %s@%s\n", userFlag, hostFlag)
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Delete all stored session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize()
			defer log.Close()

			stateDir, err := config.GetStateDir()
			if err != nil {
				return fmt.Errorf("failed to locate state directory: %w", err)
			}
			if err := os.RemoveAll(stateDir); err != nil {
				return fmt.Errorf("failed to remove state directory: %w", err)
			}
			fmt.Printf("removed %s\n", stateDir)
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			stateDir, err := config.GetStateDir()
			if err != nil {
				return fmt.Errorf("failed to get state directory: %w", err)
			}
			fmt.Printf("Config: %s\n", filepath.Join(configDir, config.ConfigFileName))
			fmt.Printf("State:  %s\n", stateDir)
			fmt.Printf("Log:    /tmp/harvest.log\n")
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of harvest",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("harvest version: v%s\n", version)
		},
	}
)

// readToken takes the credential without echo when attached to a
// terminal and falls back to a plain line read under pipes. The token
// never reaches argv or the log file.
func readToken() (git.Credential, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprintf(os.Stderr, "token for %s: ", hostFlag)
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return git.Credential(strings.TrimSpace(string(raw))), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return git.Credential(strings.TrimSpace(line)), nil
}

// originOwnerRepo derives owner and repository name from the origin
// remote. Handles both https and scp-like ssh URL shapes.
func originOwnerRepo(repoPath string) (owner, name string, err error) {
	out, err := exec.Command("git", "-C", repoPath, "config", "--get", "remote.origin.url").Output()
	if err != nil {
		return "", "", fmt.Errorf("no origin remote configured")
	}
	remote := strings.TrimSpace(string(out))

	var path string
	if u, perr := url.Parse(remote); perr == nil && u.Host != "" {
		path = u.Path
	} else if i := strings.Index(remote, ":"); i >= 0 {
		path = remote[i+1:]
	} else {
		path = remote
	}
	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("cannot parse remote url %q", remote)
	}
	return parts[len(parts)-2], parts[len(parts)-1], nil
}

func gitConfig(repoPath, key string) string {
	out, err := exec.Command("git", "-C", repoPath, "config", "--get", key).Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func init() {
	rootCmd.Flags().StringVar(&repoFlag, "repo", ".", "Path to the repository the session works in")
	rootCmd.Flags().StringVar(&ownerFlag, "owner", "", "Repository owner (derived from origin remote when omitted)")
	rootCmd.Flags().StringVar(&repoNameFlag, "repo-name", "", "Repository name (derived from origin remote when omitted)")
	rootCmd.Flags().StringVarP(&sessionNameFlag, "session", "s", "", "Session name (a random one is generated when omitted)")
	rootCmd.Flags().StringVarP(&programFlag, "program", "p", "", "Agent program to run (e.g. 'aider --model ollama_chat/gemma3:1b')")
	rootCmd.Flags().StringVar(&authorFlag, "author", "", "Author name for commits made by the session")
	rootCmd.Flags().StringVar(&emailFlag, "email", "", "Author email for commits made by the session")
	rootCmd.Flags().StringVar(&validateFlag, "validate", "", "Shell command that must pass before publishing")

	loginCmd.Flags().StringVar(&hostFlag, "host", "github.com", "Git host the token is for")
	loginCmd.Flags().StringVar(&userFlag, "user", "", "Account name the token belongs to")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
