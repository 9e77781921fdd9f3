// Package kubesource watches a Kubernetes Secret holding PEM material.
package kubesource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/sufield/pkiwatch/internal/domain"
	"github.com/sufield/pkiwatch/internal/pemcodec"
	"github.com/sufield/pkiwatch/internal/ports"
)

// DefaultResourceKeys are read when Config.ResourceKeys is empty. They are
// the two keys every kubernetes.io/tls Secret carries.
var DefaultResourceKeys = []string{corev1.TLSCertKey, corev1.TLSPrivateKeyKey}

// DefaultOptionalKeys accompany DefaultResourceKeys. Issuers such as
// cert-manager add ca.crt, plain TLS Secrets do not.
var DefaultOptionalKeys = []string{corev1.ServiceAccountRootCAKey}

// ErrClosed indicates the source was closed.
var ErrClosed = errors.New("kubernetes source closed")

// Config names the Secret to watch.
type Config struct {
	Namespace  string
	SecretName string

	// ResourceKeys must all be present; a missing one halts the source.
	ResourceKeys []string
	// OptionalKeys are decoded when present and skipped when absent.
	OptionalKeys []string
}

var _ ports.Source = (*Source)(nil)

// Source reads one Secret and watches it for changes.
type Source struct {
	name   string
	cfg    Config
	client kubernetes.Interface
	logger *slog.Logger

	mu      sync.Mutex
	watcher watch.Interface

	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Source.
type Option func(*Source)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		if l != nil {
			s.logger = l
		}
	}
}

// New returns a source for the Secret named in cfg.
func New(name string, client kubernetes.Interface, cfg Config, opts ...Option) (*Source, error) {
	if client == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if cfg.SecretName == "" {
		return nil, errors.New("secret name must be set")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = metav1.NamespaceDefault
	}
	if len(cfg.ResourceKeys) == 0 {
		cfg.ResourceKeys = DefaultResourceKeys
		if cfg.OptionalKeys == nil {
			cfg.OptionalKeys = DefaultOptionalKeys
		}
	}
	cfg.ResourceKeys = append([]string(nil), cfg.ResourceKeys...)
	cfg.OptionalKeys = append([]string(nil), cfg.OptionalKeys...)
	if name == "" {
		name = string(ports.SourceKindKubernetes)
	}

	s := &Source{
		name:   name,
		cfg:    cfg,
		client: client,
		logger: slog.Default(),
		closed: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Source) Name() string          { return s.name }
func (s *Source) Kind() ports.SourceKind { return ports.SourceKindKubernetes }

// Wait returns as soon as the watch is (re-)established, since events may
// have been missed while it was down. Otherwise it blocks until the Secret
// is added or modified.
func (s *Source) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	w, fresh, err := s.ensureWatch(ctx)
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closed:
			return ports.Fatal(s.name, ErrClosed)
		case ev, ok := <-w.ResultChan():
			if !ok {
				s.logger.Debug("secret watch closed; re-establishing", "source", s.name)
				s.dropWatch(w)
				if _, _, err := s.ensureWatch(ctx); err != nil {
					return err
				}
				return nil
			}

			switch ev.Type {
			case watch.Added, watch.Modified:
				secret, ok := ev.Object.(*corev1.Secret)
				if !ok || secret.Name != s.cfg.SecretName {
					continue
				}
				s.logger.Debug("secret changed", "source", s.name, "event", string(ev.Type), "resource_version", secret.ResourceVersion)
				return nil
			case watch.Deleted:
				s.logger.Warn("secret deleted; keeping last merged material", "source", s.name,
					"namespace", s.cfg.Namespace, "secret", s.cfg.SecretName)
			case watch.Error:
				s.dropWatch(w)
				return ports.Retryable(s.name, fmt.Errorf("watch secret: %w", apierrors.FromObject(ev.Object)))
			}
		}
	}
}

// Retrieve reads the Secret and decodes every configured key into one set.
// Required keys come first, then whichever optional keys are present.
func (s *Source) Retrieve(ctx context.Context) (ports.Delta, error) {
	if err := ctx.Err(); err != nil {
		return ports.Delta{}, err
	}

	secret, err := s.client.CoreV1().Secrets(s.cfg.Namespace).Get(ctx, s.cfg.SecretName, metav1.GetOptions{})
	if err != nil {
		return ports.Delta{}, s.classify(ctx, "get secret", err)
	}

	set := domain.NewPkiObjectSet()
	for _, key := range s.cfg.ResourceKeys {
		part, err := pemcodec.DecodeSecretKey(secret.Data, key)
		switch {
		case errors.Is(err, pemcodec.ErrMissingSecretData), errors.Is(err, pemcodec.ErrMissingSecretKey):
			return ports.Delta{}, ports.Fatal(s.name, fmt.Errorf("%s/%s: %w", s.cfg.Namespace, s.cfg.SecretName, err))
		case err != nil:
			return ports.Delta{}, fmt.Errorf("%s/%s key %s: %w", s.cfg.Namespace, s.cfg.SecretName, key, err)
		}
		set.Merge(part)
	}
	for _, key := range s.cfg.OptionalKeys {
		part, err := pemcodec.DecodeSecretKey(secret.Data, key)
		switch {
		case errors.Is(err, pemcodec.ErrMissingSecretData), errors.Is(err, pemcodec.ErrMissingSecretKey):
			s.logger.Debug("optional secret key absent", "source", s.name, "key", key)
			continue
		case err != nil:
			return ports.Delta{}, fmt.Errorf("%s/%s key %s: %w", s.cfg.Namespace, s.cfg.SecretName, key, err)
		}
		set.Merge(part)
	}
	return ports.Delta{Objects: set}, nil
}

// Close stops the watch. It is idempotent.
func (s *Source) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.watcher != nil {
			s.watcher.Stop()
			s.watcher = nil
		}
	})
	return nil
}

func (s *Source) ensureWatch(ctx context.Context) (watch.Interface, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil, false, ports.Fatal(s.name, ErrClosed)
	default:
	}
	if s.watcher != nil {
		return s.watcher, false, nil
	}

	w, err := s.client.CoreV1().Secrets(s.cfg.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("metadata.name", s.cfg.SecretName).String(),
	})
	if err != nil {
		return nil, false, s.classify(ctx, "watch secret", err)
	}
	s.watcher = w
	return w, true, nil
}

func (s *Source) dropWatch(w watch.Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == w {
		w.Stop()
		s.watcher = nil
	}
}

// classify maps API errors onto source failure classes. Missing objects
// and denied access will not fix themselves.
func (s *Source) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = fmt.Errorf("%s %s/%s: %w", op, s.cfg.Namespace, s.cfg.SecretName, err)
	switch {
	case apierrors.IsNotFound(err), apierrors.IsForbidden(err), apierrors.IsUnauthorized(err):
		return ports.Fatal(s.name, err)
	default:
		return ports.Retryable(s.name, err)
	}
}
