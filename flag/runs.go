package flag

import (
	"fmt"
	"log"
	"net"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/govmkit/archvm/cpuid"
	"github.com/govmkit/archvm/machine"
	"github.com/govmkit/archvm/migration"
	"github.com/govmkit/archvm/probe"
)

type CLI struct {
	Boot    BootCMD    `cmd:"" help:"Boot a PVH kernel."`
	Probe   ProbeCMD   `cmd:"" help:"Print host and KVM CPU capabilities."`
	Check   CheckCMD   `cmd:"" help:"Compare two saved CPUID tables for migration compatibility."`
	Migrate MigrateCMD `cmd:"" help:"Run the migration admission handshake."`
}

// Parse dispatches to the selected subcommand.
func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c,
		kong.Name("archvm"),
		kong.Description("archvm boots PVH guests with a migratable CPU identity"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	return ctx.Run()
}

type BootCMD struct {
	Kernel     string `short:"k" default:"./vmlinux" help:"PVH kernel image path."`
	Initrd     string `short:"i" default:"" help:"Initramfs path."`
	Params     string `short:"p" default:"console=ttyS0" help:"Kernel command-line parameters."`
	NCPUs      int    `short:"c" default:"1" help:"Number of vCPUs."`
	MemSize    string `short:"m" default:"1G" help:"Memory size as number[gGmMkK]."`
	HyperV     bool   `help:"Expose Hyper-V hypervisor leaves instead of KVM ones."`
	SaveCPUID  string `help:"Save the generated CPUID table to this file."`
	CPUProfile bool   `help:"Write a CPU profile to the current directory."`
}

func (b *BootCMD) Run() error {
	if b.CPUProfile {
		defer profile.Start(profile.ProfilePath(".")).Stop()
	}

	memSize, err := ParseSize(b.MemSize, "g")
	if err != nil {
		return err
	}

	m, err := machine.New(machine.Config{
		NCPUs:   b.NCPUs,
		MemSize: uint64(memSize),
		HyperV:  b.HyperV,
	})
	if err != nil {
		return err
	}

	if err := m.LoadKernel(b.Kernel, b.Initrd, b.Params); err != nil {
		return err
	}

	if err := m.SetupVCPUs(); err != nil {
		return err
	}

	if b.SaveCPUID != "" {
		if err := migration.SaveTable(b.SaveCPUID, m.CPUIDTable()); err != nil {
			return err
		}
	}

	errCh := make(chan error, b.NCPUs)

	for i := 0; i < b.NCPUs; i++ {
		go func(cpu int) {
			errCh <- m.RunInfiniteLoop(cpu)
		}(i)
	}

	for i := 0; i < b.NCPUs; i++ {
		if err := <-errCh; err != nil {
			return err
		}
	}

	return nil
}

type ProbeCMD struct{}

func (p *ProbeCMD) Run() error {
	if err := probe.Host(); err != nil {
		return err
	}

	return probe.CPUID()
}

type CheckCMD struct {
	Source string `arg:"" help:"Table saved on the source host."`
	Dest   string `arg:"" help:"Table saved on the destination host."`
}

func (c *CheckCMD) Run() error {
	src, err := migration.LoadTable(c.Source)
	if err != nil {
		return err
	}

	dst, err := migration.LoadTable(c.Dest)
	if err != nil {
		return err
	}

	if err := cpuid.Check(src, dst); err != nil {
		return err
	}

	fmt.Println("compatible")

	return nil
}

type MigrateCMD struct {
	Send SendCMD `cmd:"" help:"Propose a saved CPUID table to a destination host."`
	Recv RecvCMD `cmd:"" help:"Accept or refuse an incoming proposal."`
}

type SendCMD struct {
	State string `arg:"" help:"Table saved with boot --save-cpuid."`
	Addr  string `arg:"" help:"Destination host:port."`
}

func (s *SendCMD) Run() error {
	table, err := migration.LoadTable(s.State)
	if err != nil {
		return err
	}

	conn, err := net.Dial("tcp", s.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := migration.Propose(conn, table); err != nil {
		return err
	}

	log.Printf("proposal admitted by %s", s.Addr)

	return nil
}

type RecvCMD struct {
	Listen string `arg:"" help:"Address to listen on, host:port."`
	NCPUs  int    `short:"c" default:"1" help:"vCPU count of the VM to admit."`
	HyperV bool   `help:"Offer Hyper-V hypervisor leaves."`
}

func (r *RecvCMD) Run() error {
	local, err := machine.HostCPUIDTable(machine.Config{
		NCPUs:  r.NCPUs,
		HyperV: r.HyperV,
	})
	if err != nil {
		return err
	}

	l, err := net.Listen("tcp", r.Listen)
	if err != nil {
		return err
	}
	defer l.Close()

	conn, err := l.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := migration.Admit(conn, local); err != nil {
		return err
	}

	log.Printf("proposal from %s admitted", conn.RemoteAddr())

	return nil
}
