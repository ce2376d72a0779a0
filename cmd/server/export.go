package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/NicolasHaas/linechat/pkg/server"
	"github.com/NicolasHaas/linechat/pkg/version"
)

func newExportUsersCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "export-users",
		Short: "Print all users as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd, f)
			if err != nil {
				return err
			}
			defer st.Close()

			data, err := server.ExportUsersYAML(cmd.Context(), st)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newExportMessagesCmd(f *flags) *cobra.Command {
	var username string
	cmd := &cobra.Command{
		Use:   "export-messages",
		Short: "Print one user's saved messages as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" {
				return errors.New("--user is required")
			}
			st, err := openStore(cmd, f)
			if err != nil {
				return err
			}
			defer st.Close()

			data, err := server.ExportMessagesYAML(cmd.Context(), st, username)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&username, "user", "u", "", "Username whose messages to export")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "linechat "+version.Full())
		},
	}
}
