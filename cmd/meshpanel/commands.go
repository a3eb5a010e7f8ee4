package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/meshled/meshpanel/internal/app"
	"github.com/meshled/meshpanel/internal/linker"
	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/wizard"
)

// commandTimeout bounds one-shot commands that fan out to several devices.
const commandTimeout = 30 * time.Second

func withTimeout(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), commandTimeout)
}

func devicesCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage the known device list",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List known devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			printDevices(a)
			return nil
		},
	}

	add := &cobra.Command{
		Use:   "add <host>...",
		Short: "Add devices by host or IP",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			for _, host := range args {
				if err := a.Session().AddDevice(host); err != nil {
					return err
				}
			}
			printDevices(a)
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <host>",
		Short: "Remove a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			if err := a.Session().RemoveDevice(args[0]); err != nil {
				return err
			}
			printDevices(a)
			return nil
		},
	}

	sel := &cobra.Command{
		Use:   "select <host>",
		Short: "Select the device commands act on",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			if err := a.Session().Select(args[0]); err != nil {
				return err
			}
			printDevices(a)
			return nil
		},
	}

	cmd.AddCommand(list, add, remove, sel)
	return cmd
}

func printDevices(a *app.App) {
	s := a.Session()
	fmt.Println(wizard.DevicesTable(s.Devices(), s.Selected(), s.DirectMode()))
}

func discoverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Discover devices through the peer lists of known devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			res, err := a.Discover(ctx)
			if err != nil {
				return err
			}
			fmt.Println(wizard.DiscoveryTable(res))
			return nil
		},
	}
}

func remoteCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remote",
		Short: "List remote devices that can be link targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			res, err := a.Remote(ctx)
			if err != nil {
				return err
			}
			fmt.Println(wizard.RemoteTable(res))
			return nil
		},
	}
}

func modelCmd(g *globalFlags) *cobra.Command {
	var withLinks bool

	cmd := &cobra.Command{
		Use:   "model",
		Short: "Show the selected device's topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			m, err := a.Session().Model(ctx)
			if err != nil {
				return err
			}
			var lookup *remote.Lookup
			if withLinks {
				res, err := a.Remote(ctx)
				if err != nil {
					return err
				}
				lookup = remote.NewLookup(res.RemoteDevices)
			}
			fmt.Println(wizard.ModelTable(m, lookup))
			return nil
		},
	}

	cmd.Flags().BoolVar(&withLinks, "links", true, "Resolve external port targets through the remote devices")
	return cmd
}

func infoCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show the selected device's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			info, err := a.DeviceInfo(ctx)
			if err != nil {
				return err
			}
			fmt.Println(wizard.DeviceInfoTable(a.Session().Selected(), info))
			return nil
		},
	}
}

// linkFlags are the optional non-interactive link form values.
type linkFlags struct {
	remoteHost string
	target     string
	group      string
	direction  string
}

func (f *linkFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.remoteHost, "remote", "", "Remote device host")
	cmd.Flags().StringVar(&f.target, "target", "", "Target internal port id on the remote device")
	cmd.Flags().StringVar(&f.group, "group", "", "Group bit (1, 2, 4, 8 or 16)")
	cmd.Flags().StringVar(&f.direction, "direction", "", "Port direction: in or out")
}

func (f *linkFlags) interactive() bool {
	return f.remoteHost == "" && f.target == "" && f.group == "" && f.direction == ""
}

// apply copies the given flags onto the modal. The remote goes first since
// selecting it resets the target.
func (f *linkFlags) apply(modal *linker.Modal) error {
	if f.remoteHost != "" {
		modal.SelectRemote(f.remoteHost)
	}
	if f.target != "" {
		modal.SetTarget(f.target)
	}
	if f.group != "" {
		modal.SetGroup(f.group)
	}
	switch strings.ToLower(f.direction) {
	case "":
	case "out", "outbound":
		modal.SetDirection(true)
	case "in", "inbound":
		modal.SetDirection(false)
	default:
		return fmt.Errorf("invalid direction %q: use in or out", f.direction)
	}
	return nil
}

func runLink(ctx context.Context, modal *linker.Modal, f *linkFlags) error {
	if f.interactive() {
		return wizard.New().RunLinkForm(ctx, modal)
	}
	if err := f.apply(modal); err != nil {
		modal.Close()
		return err
	}
	if err := modal.Submit(ctx); err != nil {
		return err
	}
	fmt.Println(wizard.Success("External port saved"))
	return nil
}

func linkCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage external port links to other devices",
	}

	var (
		addFlags     linkFlags
		intersection int
		slot         int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an external port to an intersection",
		Long: `Add an external port to an intersection of the selected device.
Without --remote/--target/--group/--direction an interactive form opens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			modal, err := a.OpenLinkModal(ctx, intersection, slot, -1)
			if err != nil {
				return err
			}
			return runLink(ctx, modal, &addFlags)
		},
	}
	add.Flags().IntVarP(&intersection, "intersection", "i", 0, "Intersection id")
	add.Flags().IntVar(&slot, "slot", -1, "Slot index, default first free slot")
	add.MarkFlagRequired("intersection")
	addFlags.register(add)

	var editFlags linkFlags
	edit := &cobra.Command{
		Use:   "edit <port-id>",
		Short: "Rewire an existing external port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portID, err := strconv.Atoi(args[0])
			if err != nil || portID < 0 {
				return fmt.Errorf("invalid port id %q", args[0])
			}
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			modal, err := a.OpenLinkModal(ctx, 0, 0, portID)
			if err != nil {
				return err
			}
			return runLink(ctx, modal, &editFlags)
		},
	}
	editFlags.register(edit)

	remove := &cobra.Command{
		Use:   "remove <port-id>",
		Short: "Remove an external port",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			portID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port id %q", args[0])
			}
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			m, err := a.Session().Model(ctx)
			if err != nil {
				return err
			}
			if err := linker.RequireCrossDevice(m); err != nil {
				return err
			}
			if _, err := a.Linker().RemoveExternalPort(ctx, portID); err != nil {
				return err
			}
			fmt.Println(wizard.Success(fmt.Sprintf("External port %d removed", portID)))
			return nil
		},
	}

	cmd.AddCommand(add, edit, remove)
	return cmd
}

func intersectionCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intersection",
		Short: "Add or remove intersections",
	}

	var (
		numPorts int
		top      int
		bottom   int
		group    int
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Add an intersection to the selected device",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			req := linker.AddIntersectionRequest{NumPorts: numPorts, TopPixel: top, Group: group}
			if cmd.Flags().Changed("bottom") {
				req.BottomPixel = &bottom
			}
			if _, err := a.Linker().AddIntersection(ctx, req); err != nil {
				return err
			}
			fmt.Println(wizard.Success("Intersection added"))
			return nil
		},
	}
	add.Flags().IntVar(&numPorts, "ports", 2, "Number of port slots")
	add.Flags().IntVar(&top, "top", 0, "Top pixel")
	add.Flags().IntVar(&bottom, "bottom", -1, "Bottom pixel")
	add.Flags().IntVar(&group, "group", 1, "Group bit")

	remove := &cobra.Command{
		Use:   "remove <group> <id>",
		Short: "Remove an intersection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			grp, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid group %q", args[0])
			}
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid intersection id %q", args[1])
			}
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd)
			defer cancel()

			if _, err := a.Linker().RemoveIntersection(ctx, id, grp); err != nil {
				return err
			}
			fmt.Println(wizard.Success(fmt.Sprintf("Intersection %d removed", id)))
			return nil
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func tokenCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the device API token",
	}

	set := &cobra.Command{
		Use:   "set [token]",
		Short: "Store the API token",
		Long:  "Store the API token. Without an argument the token is read from the terminal without echo.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(args)
			if err != nil {
				return err
			}
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			if err := a.Session().SetToken(token); err != nil {
				return err
			}
			if strings.TrimSpace(token) == "" {
				fmt.Println(wizard.Success("Token removed"))
			} else {
				fmt.Println(wizard.Success("Token stored"))
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the stored API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			if err := a.Session().ClearToken(); err != nil {
				return err
			}
			fmt.Println(wizard.Success("Token removed"))
			return nil
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the auth state of the selected device",
		Long:  "Show the auth state. With --check a protected read is sent first so a rejected token shows up.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(g, true)
			if err != nil {
				return err
			}
			if check, _ := cmd.Flags().GetBool("check"); check {
				ctx, cancel := withTimeout(cmd)
				defer cancel()
				if _, err := a.Client().GetJSON(ctx, "/get_settings"); err != nil {
					fmt.Fprintln(os.Stderr, wizard.Failure(err.Error()))
				}
			}
			fmt.Print(wizard.AuthStatus(a.Session().Selected(), a.Session().AuthState()))
			return nil
		},
	}
	status.Flags().Bool("check", false, "Probe the selected device before reporting")

	cmd.AddCommand(set, clearCmd, status)
	return cmd
}

func readToken(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("token argument required when stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, "API token: ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return string(b), nil
}
