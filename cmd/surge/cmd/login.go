// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现 login、logout 和 whoami 命令。
//
// 登录成功后访问令牌和刷新令牌写入配置文件，后续命令自动携带。
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and save the access token",
	Long: `Log in with a username or email.

Examples:
  # Prompt for the password
  surge login -U alice

  # Non-interactive
  echo "$PASSWORD" | surge login -U alice --password-stdin`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the saved tokens",
	RunE:  runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		user, err := newClient().Me(ctx)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintUser(user)
	},
}

var (
	loginUsername      string
	loginPassword      string
	loginPasswordStdin bool
)

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
	loginCmd.Flags().StringVarP(&loginUsername, "username", "U", "", "Username or email")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prefer --password-stdin)")
	loginCmd.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin")
}

func runLogin(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	username := loginUsername
	if username == "" {
		fmt.Fprint(cmd.OutOrStdout(), "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return errors.New("username is required")
		}
		username = strings.TrimSpace(line)
	}
	password := loginPassword
	if password == "" {
		if !loginPasswordStdin {
			fmt.Fprint(cmd.OutOrStdout(), "Password: ")
		}
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return errors.New("password is required")
		}
		password = strings.TrimRight(line, "\r\n")
	}

	ctx, cancel := commandContext()
	defer cancel()
	resp, err := newClient().Login(ctx, username, password)
	if err != nil {
		return err
	}

	viper.Set("token", resp.AccessToken)
	viper.Set("refresh_token", resp.RefreshToken)
	if err := saveCredentials(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", resp.User.Username, resp.User.Role)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext()
	defer cancel()
	err := newClient().Logout(ctx, viper.GetString("refresh_token"))
	// 令牌已过期也照常清除本地凭据
	if err != nil && !gatewayclient.IsStatus(err, http.StatusUnauthorized) {
		return err
	}
	viper.Set("token", "")
	viper.Set("refresh_token", "")
	if err := saveCredentials(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
	return nil
}

// saveCredentials 把令牌写入配置文件。
func saveCredentials() error {
	path := getConfigPath()
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("save credentials to %s: %w", path, err)
	}
	return nil
}
