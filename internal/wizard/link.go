package wizard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"

	"github.com/meshled/meshpanel/internal/linker"
	"github.com/meshled/meshpanel/internal/remote"
	"github.com/meshled/meshpanel/internal/topology"
)

// RunLinkForm drives an open modal from the terminal: the user picks the
// remote device, then the target port, group and direction, and the modal
// submits. A failed submit keeps the input and offers a retry.
func (w *Wizard) RunLinkForm(ctx context.Context, modal *linker.Modal) error {
	if modal.State() != linker.StateOpen {
		return linker.ErrModalBusy
	}

	for {
		if err := w.askRemote(modal); err != nil {
			modal.Close()
			return err
		}
		if err := w.askLinkFields(modal); err != nil {
			modal.Close()
			return err
		}

		err := modal.Submit(ctx)
		if err == nil {
			fmt.Fprintln(w.out, Success("External port saved"))
			return nil
		}
		fmt.Fprintln(w.out, Failure(modal.Err()))

		retry := true
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().Title("Edit and retry?").Value(&retry),
		)).WithTheme(w.theme)
		if cerr := confirm.Run(); cerr != nil || !retry {
			modal.Close()
			return err
		}
	}
}

func (w *Wizard) askRemote(modal *linker.Modal) error {
	remotes := modal.Remotes()
	if len(remotes) == 0 {
		return errors.New(remote.MsgNoRemoteDevices)
	}
	host := modal.Fields().RemoteHost

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Remote Device").
				Options(RemoteOptions(remotes)...).
				Value(&host),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}
	if host != modal.Fields().RemoteHost {
		modal.SelectRemote(host)
	}
	return nil
}

func (w *Wizard) askLinkFields(modal *linker.Modal) error {
	f := modal.Fields()
	target := f.TargetPortID
	group := f.Group
	outbound := f.Direction

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Target Port").
				Options(TargetOptions(modal.Targets())...).
				Value(&target),

			huh.NewSelect[string]().
				Title("Group").
				Options(GroupOptions()...).
				Value(&group),

			huh.NewConfirm().
				Title("Direction").
				Affirmative("Outbound").
				Negative("Inbound").
				Value(&outbound),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return err
	}

	modal.SetTarget(target)
	modal.SetGroup(group)
	modal.SetDirection(outbound)
	return nil
}

// RemoteOptions lists remote devices as "<label> (<host>)".
func RemoteOptions(remotes []remote.Summary) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(remotes))
	for _, r := range remotes {
		opts = append(opts, huh.NewOption(fmt.Sprintf("%s (%s)", r.Label, r.Host), r.Host))
	}
	return opts
}

// TargetOptions lists the internal ports of a remote device.
func TargetOptions(ports []topology.PortRef) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(ports))
	for _, p := range ports {
		opts = append(opts, huh.NewOption(p.Label, strconv.Itoa(p.PortID)))
	}
	return opts
}

// GroupOptions lists the valid group bits.
func GroupOptions() []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(linker.GroupBits))
	for _, g := range linker.GroupBits {
		v := strconv.Itoa(g)
		opts = append(opts, huh.NewOption("Group "+v, v))
	}
	return opts
}
