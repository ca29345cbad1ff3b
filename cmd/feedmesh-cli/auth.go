package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authenticate with a feedmesh server",
		Long: `Authenticate with the feedmesh server using your client ID.
This will generate a JWT token that can be used for subsequent requests.`,
		RunE: runAuth,
	}
}

func runAuth(cmd *cobra.Command, args []string) error {
	if clientID == "" {
		return fmt.Errorf("client-id is required to authenticate")
	}

	ctx, cancel := commandContext()
	defer cancel()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Authenticating with server %s as client %s...\n", serverURL, clientID)

	resp, err := client.Authenticate(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Authentication successful!\n")
	if resp.IsAdmin {
		fmt.Fprintf(out, "Role: admin\n")
	}
	fmt.Fprintf(out, "Expires: %s\n", resp.ExpiresAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Token: %s\n", resp.Token)
	fmt.Fprintf(out, "\nSave this token for future use:\n")
	fmt.Fprintf(out, "  export %s=\"%s\"\n", tokenEnv, resp.Token)
	fmt.Fprintf(out, "  feedmesh-cli feeds list\n")
	return nil
}
