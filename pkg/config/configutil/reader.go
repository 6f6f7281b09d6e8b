package configutil

import (
	"os"
	"path/filepath"

	"go.f110.dev/xerrors"
	"sigs.k8s.io/yaml"

	"go.f110.dev/certd/pkg/config"
)

func ReadConfig(filename string) (*config.Config, error) {
	a, err := filepath.Abs(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	dir := filepath.Dir(a)

	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	conf := &config.Config{
		Server: &config.Server{
			Bind:         ":8080",
			InternalBind: ":8081",
		},
		Signer: &config.Signer{
			Socket: "/run/certd/signer.sock",
		},
		Datastore:      &config.Datastore{},
		Policy:         &config.Policy{},
		Enrollment:     &config.Enrollment{},
		Authentication: &config.Authentication{},
		Logger: &config.Logger{
			Level:    "info",
			Encoding: "json",
		},
	}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, xerrors.WithMessage(err, "config: file parse error")
	}

	if conf.Policy == nil {
		conf.Policy = &config.Policy{}
	}
	if conf.Enrollment == nil {
		conf.Enrollment = &config.Enrollment{}
	}
	if conf.Authentication == nil {
		conf.Authentication = &config.Authentication{}
	}
	if conf.Datastore == nil {
		conf.Datastore = &config.Datastore{}
	}
	if conf.Signer == nil {
		return nil, xerrors.NewWithStack("config: signer section is required")
	}
	if conf.Logger == nil {
		conf.Logger = &config.Logger{}
	}
	if conf.Authority == nil {
		return nil, xerrors.NewWithStack("config: authority section is required")
	}
	if err := conf.Authority.Load(dir); err != nil {
		return nil, err
	}
	if err := conf.Signer.Load(dir); err != nil {
		return nil, err
	}
	if err := conf.Datastore.Load(dir); err != nil {
		return nil, err
	}
	if err := conf.Authentication.Load(dir); err != nil {
		return nil, err
	}
	if conf.CRLDistribution != nil {
		if err := conf.CRLDistribution.Load(dir); err != nil {
			return nil, err
		}
	}
	if err := loadDynamic(conf.Policy, conf.Enrollment, dir); err != nil {
		return nil, err
	}
	conf.Dynamic = config.NewReloadable(&config.Dynamic{Policy: conf.Policy, Enrollment: conf.Enrollment})

	return conf, nil
}

// ReadDynamic reads only the reloadable sections of the config file.
func ReadDynamic(filename string) (*config.Dynamic, error) {
	a, err := filepath.Abs(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	d := &struct {
		Policy     *config.Policy     `json:"policy"`
		Enrollment *config.Enrollment `json:"enrollment"`
	}{
		Policy:     &config.Policy{},
		Enrollment: &config.Enrollment{},
	}
	if err := yaml.Unmarshal(b, d); err != nil {
		return nil, xerrors.WithMessage(err, "config: file parse error")
	}
	if d.Policy == nil {
		d.Policy = &config.Policy{}
	}
	if d.Enrollment == nil {
		d.Enrollment = &config.Enrollment{}
	}
	if err := loadDynamic(d.Policy, d.Enrollment, filepath.Dir(a)); err != nil {
		return nil, err
	}

	return &config.Dynamic{Policy: d.Policy, Enrollment: d.Enrollment}, nil
}

func loadDynamic(policy *config.Policy, enrollment *config.Enrollment, dir string) error {
	if err := policy.Load(); err != nil {
		return err
	}
	if err := enrollment.Load(dir); err != nil {
		return err
	}

	return nil
}
