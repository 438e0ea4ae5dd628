package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/amphorastore/amphora/pkg/client"
)

var (
	serverAddr string
	authUser   string
)

func apiClient() *client.Client {
	return client.New(serverAddr, authUser)
}

// Container commands
var containerCmd = &cobra.Command{
	Use:   "container",
	Short: "Manage containers",
}

var containerListCmd = &cobra.Command{
	Use:   "list ACCOUNT",
	Short: "List containers of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		containers, err := apiClient().ListContainers(context.Background(), args[0])
		if err != nil {
			return err
		}
		for _, c := range containers {
			fmt.Println(c)
		}
		return nil
	},
}

var containerCreateCmd = &cobra.Command{
	Use:   "create ACCOUNT NAME",
	Short: "Create a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		policy := map[string]string{}
		if quota, _ := cmd.Flags().GetString("quota"); quota != "" {
			policy["quota"] = quota
		}
		if versioning, _ := cmd.Flags().GetString("versioning"); versioning != "" {
			policy["versioning"] = versioning
		}
		if err := apiClient().CreateContainer(context.Background(),
			args[0], args[1], policy); err != nil {
			return err
		}
		fmt.Printf("✓ Container '%s' created\n", args[1])
		return nil
	},
}

var containerDeleteCmd = &cobra.Command{
	Use:   "delete ACCOUNT NAME",
	Short: "Delete a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteContainer(context.Background(),
			args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Container '%s' deleted\n", args[1])
		return nil
	},
}

func init() {
	containerCmd.PersistentFlags().StringVar(&serverAddr, "server",
		"localhost:8080", "Server address")
	containerCmd.PersistentFlags().StringVar(&authUser, "user", "", "Acting account")
	containerCmd.MarkPersistentFlagRequired("user")

	containerCreateCmd.Flags().String("quota", "", "Container byte quota")
	containerCreateCmd.Flags().String("versioning", "", "Versioning mode (auto or none)")

	containerCmd.AddCommand(containerListCmd)
	containerCmd.AddCommand(containerCreateCmd)
	containerCmd.AddCommand(containerDeleteCmd)
}

// Object commands
var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Manage objects",
}

var objectListCmd = &cobra.Command{
	Use:   "list ACCOUNT CONTAINER",
	Short: "List objects of a container",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, _ := cmd.Flags().GetString("prefix")
		delimiter, _ := cmd.Flags().GetString("delimiter")
		objects, prefixes, err := apiClient().ListObjects(context.Background(),
			args[0], args[1], prefix, delimiter)
		if err != nil {
			return err
		}
		for _, p := range prefixes {
			fmt.Printf("%10s  %-25s %s\n", "", "", p)
		}
		for _, o := range objects {
			fmt.Printf("%10s  %-25s %s\n",
				humanize.IBytes(uint64(o.Bytes)),
				time.Unix(0, o.Modified).Format("2006-01-02 15:04:05"),
				o.Name)
		}
		return nil
	},
}

var objectPutCmd = &cobra.Command{
	Use:   "put ACCOUNT CONTAINER NAME FILE",
	Short: "Upload a file as an object",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[3])
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", args[3], err)
		}
		contentType, _ := cmd.Flags().GetString("content-type")
		version, hash, err := apiClient().PutObject(context.Background(),
			args[0], args[1], args[2], contentType, data)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Uploaded %s (%s)\n", args[2], humanize.IBytes(uint64(len(data))))
		fmt.Printf("  Version: %d\n", version)
		fmt.Printf("  Hash: %s\n", hash)
		return nil
	},
}

var objectGetCmd = &cobra.Command{
	Use:   "get ACCOUNT CONTAINER NAME [FILE]",
	Short: "Download an object",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := apiClient().GetObject(context.Background(),
			args[0], args[1], args[2])
		if err != nil {
			return err
		}
		if len(args) == 4 {
			if err := os.WriteFile(args[3], data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", args[3], err)
			}
			fmt.Printf("✓ Downloaded %s (%s)\n", args[3], humanize.IBytes(uint64(len(data))))
			return nil
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var objectDeleteCmd = &cobra.Command{
	Use:   "delete ACCOUNT CONTAINER NAME",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient().DeleteObject(context.Background(),
			args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("✓ Object '%s' deleted\n", args[2])
		return nil
	},
}

var objectPublishCmd = &cobra.Command{
	Use:   "publish ACCOUNT CONTAINER NAME",
	Short: "Publish an object and print its public token",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := apiClient().SetPublic(context.Background(),
			args[0], args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Published. Token: %s\n", token)
		return nil
	},
}

func init() {
	objectCmd.PersistentFlags().StringVar(&serverAddr, "server",
		"localhost:8080", "Server address")
	objectCmd.PersistentFlags().StringVar(&authUser, "user", "", "Acting account")
	objectCmd.MarkPersistentFlagRequired("user")

	objectPutCmd.Flags().String("content-type", "application/octet-stream",
		"Content type of the upload")

	objectCmd.AddCommand(objectListCmd)
	objectCmd.AddCommand(objectPutCmd)
	objectCmd.AddCommand(objectGetCmd)
	objectCmd.AddCommand(objectDeleteCmd)
	objectCmd.AddCommand(objectPublishCmd)
}
