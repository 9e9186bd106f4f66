package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/fentz26/baziunlock/internal/apiclient"
	"github.com/fentz26/baziunlock/internal/auth"
	"github.com/fentz26/baziunlock/internal/store"
)

var (
	loginUsername string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with username and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginUsername == "" || loginPassword == "" {
			return fmt.Errorf("--username and --password are required")
		}
		authMgr, err := auth.NewManager(filepath.Dir(configPath))
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()

		client := apiclient.New(cfg.APIBase, apiclient.WithTimeout(cfg.RequestTimeout), apiclient.WithLogger(logger))
		if _, err := authMgr.Login(ctx, client, cfg.APIBase, loginUsername, loginPassword); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		if me, err := client.Me(ctx); err == nil {
			_ = authMgr.SetUserID(me.ID)
			cmd.Printf("Logged in as %s (%d points)\n", me.Username, me.Balance)
			return nil
		}
		cmd.Printf("Logged in as %s\n", loginUsername)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token and session state",
	RunE: func(cmd *cobra.Command, args []string) error {
		authMgr, err := auth.NewManager(filepath.Dir(configPath))
		if err != nil {
			return err
		}
		session := anonymousSession
		if u := authMgr.GetUser(); u != nil && u.Username != "" {
			session = u.Username
		}

		db, err := store.New(cfg.DBPath)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.ClearSession(session); err != nil {
			return fmt.Errorf("clear session: %w", err)
		}
		if err := authMgr.Logout(); err != nil {
			return err
		}
		cmd.Println("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged in account and balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(true)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RequestTimeout)
		defer cancel()
		me, err := a.client.Me(ctx)
		if err != nil {
			return err
		}
		cmd.Printf("%s (id %s)\nBalance: %d points\n", me.Username, me.ID, me.Balance)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUsername, "username", "u", "", "username")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password")
}
