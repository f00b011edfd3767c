//go:build unit

package sshconfig_test

import (
	"strings"
	"testing"

	"github.com/alexandremahdhaoui/buildvm/pkg/sshconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vagrantSSHConfig = `Host default
  HostName 192.168.121.15
  User vagrant
  Port 22
  UserKnownHostsFile /dev/null
  StrictHostKeyChecking no
  PasswordAuthentication no
  IdentityFile /srv/buildserver/.vagrant/machines/default/libvirt/private_key
  IdentitiesOnly yes
  LogLevel FATAL
`

func TestParse_VagrantOutput(t *testing.T) {
	info, err := sshconfig.Parse(strings.NewReader(vagrantSSHConfig), sshconfig.DefaultHost)
	require.NoError(t, err)

	assert.Equal(t, &sshconfig.Info{
		Hostname:     "192.168.121.15",
		Port:         22,
		User:         "vagrant",
		IdentityFile: "/srv/buildserver/.vagrant/machines/default/libvirt/private_key",
	}, info)
}

func TestParse_QuotedIdentityFile(t *testing.T) {
	raw := `Host default
  HostName 127.0.0.1
  User vagrant
  Port 2222
  IdentityFile "/home/build user/.vagrant.d/insecure_private_key"
`

	info, err := sshconfig.Parse(strings.NewReader(raw), sshconfig.DefaultHost)
	require.NoError(t, err)

	assert.Equal(t, "/home/build user/.vagrant.d/insecure_private_key", info.IdentityFile)
	assert.Equal(t, 2222, info.Port)
}

func TestParse_MultipleIdentityFiles(t *testing.T) {
	raw := `Host default
  HostName 127.0.0.1
  User vagrant
  Port 2200
  IdentityFile /srv/buildserver/.vagrant/machines/default/virtualbox/private_key
  IdentityFile /home/build/.vagrant.d/insecure_private_key
`

	info, err := sshconfig.Parse(strings.NewReader(raw), sshconfig.DefaultHost)
	require.NoError(t, err)

	assert.Equal(t, "/srv/buildserver/.vagrant/machines/default/virtualbox/private_key", info.IdentityFile)
}

func TestParse_MultipleQuotedIdentityFilesOnOneLine(t *testing.T) {
	raw := `Host default
  HostName 127.0.0.1
  User vagrant
  Port 2200
  IdentityFile "/a b/first_key" "/c d/second_key"
`

	info, err := sshconfig.Parse(strings.NewReader(raw), sshconfig.DefaultHost)
	require.NoError(t, err)

	assert.Equal(t, "/a b/first_key", info.IdentityFile)
}

func TestParse_OtherHostIgnored(t *testing.T) {
	raw := `Host other
  HostName 10.0.0.1
  User root
  Port 22
  IdentityFile /root/.ssh/id_ed25519
`

	_, err := sshconfig.Parse(strings.NewReader(raw), sshconfig.DefaultHost)
	assert.ErrorIs(t, err, sshconfig.ErrMissingKey)
}

func TestParse_InvalidPort(t *testing.T) {
	raw := `Host default
  HostName 127.0.0.1
  User vagrant
  Port ssh
  IdentityFile /key
`

	_, err := sshconfig.Parse(strings.NewReader(raw), sshconfig.DefaultHost)
	assert.ErrorIs(t, err, sshconfig.ErrInvalidPort)
}

func TestParse_MissingIdentityFile(t *testing.T) {
	raw := `Host default
  HostName 127.0.0.1
  User vagrant
  Port 22
`

	_, err := sshconfig.Parse(strings.NewReader(raw), sshconfig.DefaultHost)
	assert.ErrorIs(t, err, sshconfig.ErrMissingKey)
}
