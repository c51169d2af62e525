package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/semmidev/dbrefresh/internal/domain"
)

// Rotate replaces a user's hosted database instance with a fresh one.
type Rotate struct {
	provisioner domain.Provisioner
	prefix      string
	logger      Logger
}

func NewRotate(provisioner domain.Provisioner, prefix string, logger Logger) *Rotate {
	return &Rotate{provisioner: provisioner, prefix: prefix, logger: logger}
}

// InstanceName is the provider-side name for user.
func (uc *Rotate) InstanceName(user string) string {
	if uc.prefix == "" {
		return user
	}
	return uc.prefix + "-" + user
}

// Execute keeps at most one instance per user: none found means create, one
// found means delete then create, more than one is refused untouched.
func (uc *Rotate) Execute(ctx context.Context, user string) (domain.Instance, error) {
	if user == "" || strings.ContainsAny(user, " \t/&=?") {
		return domain.Instance{}, fmt.Errorf("%w: invalid user name %q", domain.ErrProvisioning, user)
	}
	name := uc.InstanceName(user)

	instances, err := uc.provisioner.List(ctx)
	if err != nil {
		return domain.Instance{}, err
	}

	var matches []domain.Instance
	for _, inst := range instances {
		if inst.Name == name {
			matches = append(matches, inst)
		}
	}

	switch len(matches) {
	case 0:
		uc.logger.Infof("[%s] No instance found, creating one", name)
	case 1:
		uc.logger.Infof("[%s] Deleting instance %d", name, matches[0].ID)
		if err := uc.provisioner.Delete(ctx, matches[0].ID); err != nil {
			return domain.Instance{}, err
		}
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, fmt.Sprint(m.ID))
		}
		return domain.Instance{}, fmt.Errorf("%w: %s has instances %s", domain.ErrDuplicateInstance, name, strings.Join(ids, ", "))
	}

	created, err := uc.provisioner.Create(ctx, name)
	if err != nil {
		return domain.Instance{}, err
	}
	if created.URL == "" {
		created, err = uc.provisioner.Get(ctx, created.ID)
		if err != nil {
			return domain.Instance{}, err
		}
	}

	uc.logger.Infof("[%s] Created instance %d", name, created.ID)
	return created, nil
}

// Target rotates user's instance and returns where to restore into.
func (uc *Rotate) Target(ctx context.Context, user string) (domain.RestoreTarget, error) {
	inst, err := uc.Execute(ctx, user)
	if err != nil {
		return domain.RestoreTarget{}, err
	}
	return inst.Target()
}
