package store

import (
	"fmt"

	"vaultline/internal/domain"
)

// Guard decides whether a stage may be written.
type Guard interface {
	CheckWrite(stage domain.Stage) error
}

// Scoped is a write handle limited to the stages its guard allows. Moves
// need permission on both ends since they remove from the source.
type Scoped struct {
	*Store
	guard Guard
}

func (s *Store) Scoped(g Guard) *Scoped {
	return &Scoped{Store: s, guard: g}
}

func (w *Scoped) Write(loc Loc, name string, data []byte) error {
	if err := w.guard.CheckWrite(loc.Stage); err != nil {
		return err
	}
	return w.Store.Write(loc, name, data)
}

func (w *Scoped) Create(loc Loc, name string, data []byte) error {
	if err := w.guard.CheckWrite(loc.Stage); err != nil {
		return err
	}
	return w.Store.Create(loc, name, data)
}

func (w *Scoped) Move(from Loc, name string, to Loc, newName string) error {
	if err := w.guard.CheckWrite(from.Stage); err != nil {
		return err
	}
	if err := w.guard.CheckWrite(to.Stage); err != nil {
		return err
	}
	return w.Store.Move(from, name, to, newName)
}

func (w *Scoped) Remove(loc Loc, name string) error {
	if err := w.guard.CheckWrite(loc.Stage); err != nil {
		return err
	}
	return w.Store.Remove(loc, name)
}

// Quarantine moves a malformed document out of the lifecycle. The stored
// name keeps the original stage so an operator can put it back.
func (w *Scoped) Quarantine(from Loc, name string) (string, error) {
	target := fmt.Sprintf("%s__%s", from.Stage, name)
	if from.Role != "" {
		target = fmt.Sprintf("%s_%s__%s", from.Stage, from.Role, name)
	}
	if err := w.guard.CheckWrite(domain.StageQuarantine); err != nil {
		return "", err
	}
	if err := w.Store.Move(from, name, At(domain.StageQuarantine), target); err != nil {
		return "", err
	}
	return target, nil
}
