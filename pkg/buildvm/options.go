package buildvm

import (
	"sync"

	"github.com/alexandremahdhaoui/buildvm/pkg/invoker"
)

const (
	DefaultLibvirtURI  = "qemu:///system"
	DefaultStoragePool = "default"
)

// Option configures a controller.
type Option func(*options)

type options struct {
	invoker     *invoker.Invoker
	lock        sync.Locker
	metrics     *Metrics
	vagrantHome string

	// libvirt
	libvirtURI    string
	storagePool   string
	hypervisor    Hypervisor
	dial          func(uri string) (Hypervisor, error)
	privilegedFix bool
	privilegedCmd []string
}

func newOptions(opts ...Option) *options {
	o := &options{
		libvirtURI:  DefaultLibvirtURI,
		storagePool: DefaultStoragePool,
		dial:        DialLibvirt,
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.invoker == nil {
		o.invoker = invoker.New()
	}
	if o.lock == nil {
		o.lock = &sync.Mutex{}
	}

	return o
}

// WithInvoker sets the invoker running vagrant and the other tools.
func WithInvoker(inv *invoker.Invoker) Option {
	return func(o *options) {
		o.invoker = inv
	}
}

// WithLock sets the lock serializing Up, Halt and Suspend. Controllers that
// must not start or stop VMs concurrently share one lock.
func WithLock(l sync.Locker) Option {
	return func(o *options) {
		o.lock = l
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithVagrantHome overrides where vagrant stores boxes. Defaults to vagrant.Home().
func WithVagrantHome(dir string) Option {
	return func(o *options) {
		o.vagrantHome = dir
	}
}

// WithLibvirtURI sets the libvirt connection URI used by the libvirt backend.
func WithLibvirtURI(uri string) Option {
	return func(o *options) {
		o.libvirtURI = uri
	}
}

// WithStoragePool sets the libvirt storage pool holding VM and box volumes.
func WithStoragePool(pool string) Option {
	return func(o *options) {
		o.storagePool = pool
	}
}

// WithHypervisor makes the libvirt backend use h instead of dialing libvirt.
func WithHypervisor(h Hypervisor) Option {
	return func(o *options) {
		o.hypervisor = h
	}
}

// WithPrivilegedImageFix allows packaging to run `<cmd...> chmod a+r <image>`
// when the VM disk image is not readable, e.g. WithPrivilegedImageFix("sudo").
// Only the image file itself is touched.
func WithPrivilegedImageFix(cmd ...string) Option {
	return func(o *options) {
		o.privilegedFix = true
		o.privilegedCmd = cmd
	}
}
