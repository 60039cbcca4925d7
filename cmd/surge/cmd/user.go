// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现 user 命令组，供管理员管理平台用户。
package cmd

import (
	"fmt"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var userCmd = &cobra.Command{
	Use:     "user",
	Aliases: []string{"users"},
	Short:   "Manage users (admin)",
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List users",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		page, err := newClient().ListUsers(ctx, gatewayclient.ListOptions{
			Page:     listPage,
			PageSize: listPageSize,
			Filters: map[string]string{
				"role":    userRole,
				"keyword": userKeyword,
			},
		})
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintUsers(page)
	},
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userInput.Username = args[0]
		userInput.Role = domain.Role(userCreateRole)
		ctx, cancel := commandContext()
		defer cancel()
		u, err := newClient().CreateUser(ctx, userInput)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintUser(u)
	},
}

// userStatusCmd 构造启用和禁用用户的命令。
func userStatusCmd(use, short string, status domain.UserStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			u, err := newClient().SetUserStatus(ctx, id, status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %s %sd\n", u.Username, use)
			return nil
		},
	}
}

var userDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a user",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		if err := newClient().DeleteUser(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "User %d deleted\n", id)
		return nil
	},
}

var (
	userInput      gatewayclient.CreateUserRequest
	userRole       string
	userCreateRole string
	userKeyword    string
)

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(
		userListCmd,
		userCreateCmd,
		userStatusCmd("enable", "Enable a user", domain.UserStatusEnabled),
		userStatusCmd("disable", "Disable a user and reject their tokens", domain.UserStatusDisabled),
		userDeleteCmd,
	)

	userListCmd.Flags().StringVar(&userRole, "role", "", "Filter by role (admin, user)")
	userListCmd.Flags().StringVar(&userKeyword, "keyword", "", "Search username, email and name")
	userListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	userListCmd.Flags().IntVar(&listPageSize, "page-size", 20, "Page size")

	userCreateCmd.Flags().StringVar(&userInput.Email, "email", "", "Email (required)")
	userCreateCmd.Flags().StringVar(&userInput.Password, "password", "", "Initial password (required)")
	userCreateCmd.Flags().StringVar(&userInput.FullName, "name", "", "Full name")
	userCreateCmd.Flags().StringVar(&userCreateRole, "role", "user", "Role (admin, user)")
}
