package service

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/openmetron/metron/internal/clock"
	"github.com/openmetron/metron/internal/cluster"
	"github.com/openmetron/metron/internal/config"
	functiondomain "github.com/openmetron/metron/internal/function/domain"
	"github.com/openmetron/metron/internal/keylock"
	subscriptiondomain "github.com/openmetron/metron/internal/subscription/domain"
	"github.com/openmetron/metron/pkg/db"
)

// RFC 1123 label: the name becomes the Knative Service name.
var nameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]{0,61}[a-z0-9])?$`)

const (
	defaultCPUMillicores = 500
	defaultMemoryMB      = 256
	maxCPUMillicores     = 4000
	maxMemoryMB          = 8192
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Config config.Config
	Repo   functiondomain.Repository
	SubSvc subscriptiondomain.Service
	Driver cluster.Driver
	Locks  *keylock.KeyLock
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	cfg    config.Config
	repo   functiondomain.Repository
	subSvc subscriptiondomain.Service
	driver cluster.Driver
	locks  *keylock.KeyLock
}

func New(p Params) functiondomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("function.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		cfg:    p.Config,
		repo:   p.Repo,
		subSvc: p.SubSvc,
		driver: p.Driver,
		locks:  p.Locks,
	}
}

// Deploy validates the request, runs the provision gate, persists the
// descriptor as pending and attempts one synchronous apply. A cluster that
// is unreachable leaves the descriptor pending for the reconciler; a spec
// the apiserver rejects fails the request outright.
func (s *Service) Deploy(ctx context.Context, req functiondomain.DeployRequest) (*functiondomain.Response, error) {
	entity, err := s.buildDescriptor(req)
	if err != nil {
		return nil, err
	}

	if err := s.subSvc.CheckProvision(ctx, req.AccountID); err != nil {
		return nil, err
	}

	s.locks.Lock(entity.Name)
	defer s.locks.Unlock(entity.Name)

	existing, err := s.repo.FindByName(ctx, s.db, entity.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.State != functiondomain.StateDeleted {
		if existing.AccountID != req.AccountID {
			return nil, functiondomain.ErrNameTaken
		}
		// Redeploy: keep identity, replace desired state.
		entity.ID = existing.ID
		entity.CreatedAt = existing.CreatedAt
	}

	if err := s.repo.Save(ctx, s.db, entity); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, functiondomain.ErrNameTaken
		}
		return nil, err
	}

	if err := s.applyOne(ctx, entity); errors.Is(err, cluster.ErrInvalidSpec) {
		return nil, functiondomain.ErrInvalidImage
	}
	return toResponse(entity), nil
}

func (s *Service) Delete(ctx context.Context, accountID, name string) error {
	s.locks.Lock(name)
	defer s.locks.Unlock(name)

	entity, err := s.ownedFunction(ctx, accountID, name)
	if err != nil {
		return err
	}

	entity.State = functiondomain.StateDeleting
	entity.UpdatedAt = s.clock.Now()
	if err := s.repo.Save(ctx, s.db, entity); err != nil {
		return err
	}

	s.removeOne(ctx, entity)
	return nil
}

func (s *Service) Get(ctx context.Context, accountID, name string) (*functiondomain.Response, error) {
	entity, err := s.ownedFunction(ctx, accountID, name)
	if err != nil {
		return nil, err
	}
	return toResponse(entity), nil
}

func (s *Service) List(ctx context.Context, accountID string) ([]functiondomain.Response, error) {
	items, err := s.repo.ListByAccount(ctx, s.db, accountID)
	if err != nil {
		return nil, err
	}
	resp := make([]functiondomain.Response, 0, len(items))
	for i := range items {
		resp = append(resp, *toResponse(&items[i]))
	}
	return resp, nil
}

// Reconcile drives pending descriptors toward the cluster and finishes
// deletions. Failures on one function never block the rest.
func (s *Service) Reconcile(ctx context.Context, batchSize int) error {
	var jobErr error

	pending, err := s.repo.ListByState(ctx, s.db, functiondomain.StatePending, batchSize)
	if err != nil {
		return err
	}
	for i := range pending {
		fn := &pending[i]
		s.locks.Do(fn.Name, func() {
			s.applyOne(ctx, fn)
		})
		if fn.State == functiondomain.StatePending {
			jobErr = errors.Join(jobErr, errors.New("apply deferred: "+fn.Name))
		}
	}

	deleting, err := s.repo.ListByState(ctx, s.db, functiondomain.StateDeleting, batchSize)
	if err != nil {
		return errors.Join(jobErr, err)
	}
	for i := range deleting {
		fn := &deleting[i]
		s.locks.Do(fn.Name, func() {
			s.removeOne(ctx, fn)
		})
		if fn.State == functiondomain.StateDeleting {
			jobErr = errors.Join(jobErr, errors.New("remove deferred: "+fn.Name))
		}
	}

	return jobErr
}

func (s *Service) Suspend(ctx context.Context, accountID string) error {
	return s.setSuspended(ctx, accountID, true)
}

func (s *Service) Resume(ctx context.Context, accountID string) error {
	return s.setSuspended(ctx, accountID, false)
}

func (s *Service) setSuspended(ctx context.Context, accountID string, suspend bool) error {
	items, err := s.repo.ListByAccount(ctx, s.db, accountID)
	if err != nil {
		return err
	}

	var opErr error
	for i := range items {
		fn := &items[i]
		switch {
		case suspend && fn.State == functiondomain.StateActive:
		case !suspend && fn.State == functiondomain.StateSuspended:
		default:
			continue
		}

		s.locks.Do(fn.Name, func() {
			minScale, maxScale := 0, 0
			nextState := functiondomain.StateSuspended
			if !suspend {
				minScale, maxScale = fn.MinScale, fn.MaxScale
				nextState = functiondomain.StateActive
			}

			if err := s.driver.Scale(ctx, fn.Name, minScale, maxScale); err != nil && !errors.Is(err, cluster.ErrNotFound) {
				opErr = errors.Join(opErr, err)
				return
			}
			fn.State = nextState
			fn.UpdatedAt = s.clock.Now()
			if err := s.repo.Save(ctx, s.db, fn); err != nil {
				opErr = errors.Join(opErr, err)
			}
		})
	}
	return opErr
}

// applyOne converges one descriptor and persists the outcome. Callers hold
// the function's lock. The returned error is the apply error, if any.
func (s *Service) applyOne(ctx context.Context, fn *functiondomain.FunctionDescriptor) error {
	status, applyErr := s.driver.Apply(ctx, cluster.FunctionSpec{
		Name:          fn.Name,
		Image:         fn.Image,
		Env:           envFromJSON(fn.Env),
		CPUMillicores: fn.CPUMillicores,
		MemoryMB:      fn.MemoryMB,
		MinScale:      fn.MinScale,
		MaxScale:      fn.MaxScale,
	})
	fn.UpdatedAt = s.clock.Now()
	if applyErr != nil {
		fn.LastError = applyErr.Error()
		s.log.Warn("function apply failed",
			zap.String("function", fn.Name),
			zap.Error(applyErr),
		)
	} else {
		fn.State = functiondomain.StateActive
		fn.URL = status.URL
		fn.LastError = ""
	}
	if err := s.repo.Save(ctx, s.db, fn); err != nil {
		s.log.Error("function state update failed",
			zap.String("function", fn.Name),
			zap.Error(err),
		)
	}
	return applyErr
}

// removeOne finishes a deletion. Callers hold the function's lock.
func (s *Service) removeOne(ctx context.Context, fn *functiondomain.FunctionDescriptor) {
	err := s.driver.Remove(ctx, fn.Name)
	fn.UpdatedAt = s.clock.Now()
	if err != nil {
		fn.LastError = err.Error()
		s.log.Warn("function remove failed",
			zap.String("function", fn.Name),
			zap.Error(err),
		)
	} else {
		fn.State = functiondomain.StateDeleted
		fn.LastError = ""
	}
	if err := s.repo.Save(ctx, s.db, fn); err != nil {
		s.log.Error("function state update failed",
			zap.String("function", fn.Name),
			zap.Error(err),
		)
	}
}

func (s *Service) ownedFunction(ctx context.Context, accountID, name string) (*functiondomain.FunctionDescriptor, error) {
	entity, err := s.repo.FindByName(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if entity == nil || entity.State == functiondomain.StateDeleted || entity.AccountID != accountID {
		return nil, functiondomain.ErrNotFound
	}
	return entity, nil
}

func (s *Service) buildDescriptor(req functiondomain.DeployRequest) (*functiondomain.FunctionDescriptor, error) {
	name := strings.TrimSpace(strings.ToLower(req.Name))
	if !nameRe.MatchString(name) {
		return nil, functiondomain.ErrInvalidName
	}
	image := strings.TrimSpace(req.Image)
	if image == "" {
		return nil, functiondomain.ErrInvalidImage
	}

	cpu := req.CPUMillicores
	if cpu == 0 {
		cpu = defaultCPUMillicores
	}
	mem := req.MemoryMB
	if mem == 0 {
		mem = defaultMemoryMB
	}
	if cpu < 0 || cpu > maxCPUMillicores || mem < 0 || mem > maxMemoryMB {
		return nil, functiondomain.ErrInvalidResources
	}

	minScale := s.cfg.DefaultMinScale
	if req.MinScale != nil {
		minScale = *req.MinScale
	}
	maxScale := s.cfg.DefaultMaxScale
	if req.MaxScale != nil {
		maxScale = *req.MaxScale
	}
	if minScale < 0 || maxScale < 1 || minScale > maxScale {
		return nil, functiondomain.ErrInvalidScale
	}

	now := s.clock.Now()
	entity := &functiondomain.FunctionDescriptor{
		ID:            s.genID.Generate(),
		AccountID:     req.AccountID,
		Name:          name,
		Image:         image,
		CPUMillicores: cpu,
		MemoryMB:      mem,
		MinScale:      minScale,
		MaxScale:      maxScale,
		State:         functiondomain.StatePending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(req.Env) > 0 {
		env := make(datatypes.JSONMap, len(req.Env))
		for k, v := range req.Env {
			env[k] = v
		}
		entity.Env = env
	}
	return entity, nil
}

func envFromJSON(env datatypes.JSONMap) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func toResponse(fn *functiondomain.FunctionDescriptor) *functiondomain.Response {
	return &functiondomain.Response{
		ID:            fn.ID.String(),
		AccountID:     fn.AccountID,
		Name:          fn.Name,
		Image:         fn.Image,
		CPUMillicores: fn.CPUMillicores,
		MemoryMB:      fn.MemoryMB,
		MinScale:      fn.MinScale,
		MaxScale:      fn.MaxScale,
		State:         fn.State,
		URL:           fn.URL,
		LastError:     fn.LastError,
		CreatedAt:     fn.CreatedAt,
		UpdatedAt:     fn.UpdatedAt,
	}
}
