package cluster

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/openmetron/metron/internal/config"
	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
)

var Module = fx.Module("cluster",
	fx.Provide(NewDriver),
)

// NewDriver builds the Knative driver from kubeconfig or in-cluster
// credentials. The literal kubeconfig value "fake" selects the in-memory
// driver for local development.
func NewDriver(cfg config.Config, log *zap.Logger, m *obsmetrics.Metrics) (Driver, error) {
	if cfg.Kubeconfig == "fake" {
		log.Warn("using in-memory cluster driver")
		return NewFakeDriver(), nil
	}

	restCfg, err := restConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, err
	}

	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}
	core, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, err
	}

	return NewKnativeDriver(dyn, core, cfg.ClusterNamespace, log, m), nil
}

func restConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}
