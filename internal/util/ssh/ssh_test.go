/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build unit

package ssh_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/buildvm/internal/util/ssh"
	"github.com/alexandremahdhaoui/buildvm/pkg/execcontext"
	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cryptossh "golang.org/x/crypto/ssh"
)

// writePrivateKey generates an ed25519 key and writes it in OpenSSH format.
func writePrivateKey(t *testing.T) string {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := cryptossh.MarshalPrivateKey(priv, "vagrant")
	require.NoError(t, err)

	keyPath := filepath.Join(t.TempDir(), "private_key")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))
	return keyPath
}

// closedPort returns a local port nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := strconv.Itoa(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())
	return port
}

func TestNewClient(t *testing.T) {
	t.Run("reads the private key", func(t *testing.T) {
		keyPath := writePrivateKey(t)

		client, err := ssh.NewClient("127.0.0.1", "vagrant", keyPath, "2222")
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1", client.Host)
		assert.Equal(t, "vagrant", client.User)
		assert.Equal(t, "2222", client.Port)
		assert.NotEmpty(t, client.PrivateKey)
	})

	t.Run("missing key file", func(t *testing.T) {
		client, err := ssh.NewClient("127.0.0.1", "vagrant", "/nonexistent/private_key", "22")

		assert.Nil(t, client)
		assert.ErrorIs(t, err, ssh.ErrReadPrivateKey)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestNewClientFromInfo(t *testing.T) {
	keyPath := writePrivateKey(t)

	client, err := ssh.NewClientFromInfo(&sshconfig.Info{
		Hostname:     "192.168.121.10",
		Port:         22,
		User:         "vagrant",
		IdentityFile: keyPath,
	})
	require.NoError(t, err)

	assert.Equal(t, "192.168.121.10", client.Host)
	assert.Equal(t, "22", client.Port)
	assert.Equal(t, "vagrant", client.User)
}

func TestClient_Run(t *testing.T) {
	ctx := execcontext.New(nil, nil)

	t.Run("invalid private key", func(t *testing.T) {
		client := &ssh.Client{Host: "127.0.0.1", User: "vagrant", PrivateKey: []byte("not a key"), Port: "22"}

		_, _, err := client.Run(ctx, "true")

		assert.ErrorIs(t, err, ssh.ErrParsePrivateKey)
	})

	t.Run("handshake failure", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		go func() {
			conn, err := l.Accept()
			if err == nil {
				_ = conn.Close()
			}
		}()

		client, err := ssh.NewClient("127.0.0.1", "vagrant", writePrivateKey(t), strconv.Itoa(l.Addr().(*net.TCPAddr).Port))
		require.NoError(t, err)

		_, _, err = client.Run(ctx, "true")

		assert.ErrorIs(t, err, ssh.ErrConnect)
	})
}

func TestClient_AwaitServer(t *testing.T) {
	t.Run("invalid private key", func(t *testing.T) {
		client := &ssh.Client{Host: "127.0.0.1", User: "vagrant", PrivateKey: []byte("not a key"), Port: "22"}

		err := client.AwaitServer(context.Background(), time.Second, 10*time.Millisecond)

		assert.ErrorIs(t, err, ssh.ErrParsePrivateKey)
	})

	t.Run("times out", func(t *testing.T) {
		client, err := ssh.NewClient("127.0.0.1", "vagrant", writePrivateKey(t), closedPort(t))
		require.NoError(t, err)

		err = client.AwaitServer(context.Background(), 100*time.Millisecond, 10*time.Millisecond)

		assert.ErrorIs(t, err, ssh.ErrAwaitTimeout)
	})

	t.Run("context cancelled", func(t *testing.T) {
		client, err := ssh.NewClient("127.0.0.1", "vagrant", writePrivateKey(t), closedPort(t))
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err = client.AwaitServer(ctx, time.Minute, time.Minute)

		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ssh.ErrAwaitTimeout)
	})
}
