package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatrelay/pkg/auth"
	"github.com/go-go-golems/chatrelay/pkg/chat"
	"github.com/go-go-golems/chatrelay/pkg/chatcontext"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/persistence/chatstore"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <username>",
		Short: "Mint a bearer token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.settings.Auth.JWTSecret == "" {
				return errors.Errorf("%s is not set", config.EnvJWTSecret)
			}
			issuer, err := auth.NewIssuer(opts.settings.Auth.JWTSecret)
			if err != nil {
				return err
			}
			tok, err := issuer.Issue(args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime; 0 never expires")
	return cmd
}

func newUsersCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "Manage users"}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <username>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPersistentStore(opts.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			p, err := store.CreateUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, p)
		},
	})
	return cmd
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Manage chat sessions"}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <username> <title>",
		Short: "Create a chat session owned by a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPersistentStore(opts.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			p, err := lookupUser(cmd, store, args[0])
			if err != nil {
				return err
			}
			c, err := store.CreateConversation(cmd.Context(), p.ID, args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd, c)
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list <username>",
		Short: "List a user's chat sessions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPersistentStore(opts.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			p, err := lookupUser(cmd, store, args[0])
			if err != nil {
				return err
			}
			items, err := store.ListConversations(cmd.Context(), p.ID, limit)
			if err != nil {
				return err
			}
			for _, c := range items {
				if err := printJSON(cmd, c); err != nil {
					return err
				}
			}
			return nil
		},
	}
	list.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to list")
	cmd.AddCommand(list)

	var turns int
	show := &cobra.Command{
		Use:   "show <username> <session-id>",
		Short: "Print the most recent turns of a session, oldest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if _, err := fmt.Sscan(args[1], &id); err != nil {
				return errors.Errorf("invalid session id %q", args[1])
			}
			store, err := openPersistentStore(opts.settings)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			p, err := lookupUser(cmd, store, args[0])
			if err != nil {
				return err
			}
			history, err := store.History(cmd.Context(), id, p.ID, turns)
			if err != nil {
				return err
			}
			for _, t := range chatcontext.Reverse(history) {
				if err := printJSON(cmd, t); err != nil {
					return err
				}
			}
			return nil
		},
	}
	show.Flags().IntVar(&turns, "limit", 20, "Maximum turns to print")
	cmd.AddCommand(show)

	return cmd
}

func lookupUser(cmd *cobra.Command, store chatstore.UserStore, username string) (chat.Principal, error) {
	p, ok, err := store.LookupUser(cmd.Context(), username)
	if err != nil {
		return chat.Principal{}, err
	}
	if !ok {
		return chat.Principal{}, errors.Wrapf(chatstore.ErrUserNotFound, "%q", username)
	}
	return p, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return err
}
