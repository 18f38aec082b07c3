package ssh

// transfer.go implements the file-transfer half of the Executor contract
// over SFTP, multiplexed on the same SSH connection as command execution.

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
)

var ErrTransferInit = fmt.Errorf("failed to begin SFTP session")

func (c *Client) Upload(ctx context.Context, host, local, remote string) error {
	return c.withSFTP(ctx, host, func(client *sftp.Client) error {
		src, err := os.Open(local)
		if err != nil {
			return fmt.Errorf("failed to open local file: %w", err)
		}
		defer src.Close()

		dst, err := client.Create(remote)
		if err != nil {
			return fmt.Errorf("failed to create remote file: %w", err)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("failed to upload %s to %s:%s: %w", local, host, remote, err)
		}
		return nil
	})
}

func (c *Client) Download(ctx context.Context, host, remote, local string) error {
	return c.withSFTP(ctx, host, func(client *sftp.Client) error {
		src, err := client.Open(remote)
		if err != nil {
			return fmt.Errorf("failed to open remote file: %w", err)
		}
		defer src.Close()

		dst, err := os.Create(local)
		if err != nil {
			return fmt.Errorf("failed to create local file: %w", err)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("failed to download %s:%s to %s: %w", host, remote, local, err)
		}
		return nil
	})
}

func (c *Client) withSFTP(ctx context.Context, host string, fn func(*sftp.Client) error) error {
	conn, err := Connect(ctx, host, c.Port, c.User, c.signer)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, conn)

	client, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransferInit, err)
	}
	defer client.Close()

	return fn(client)
}
