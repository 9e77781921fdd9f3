package kubesource

import (
	"fmt"

	"helm.sh/helm/v3/pkg/cli"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// RESTConfig resolves a client configuration the way kubectl and helm do:
// an explicit kubeconfig and context when given, otherwise $KUBECONFIG,
// ~/.kube/config or the in-cluster service account.
func RESTConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	settings := cli.New()
	if kubeconfig != "" {
		settings.KubeConfig = kubeconfig
	}
	if kubeContext != "" {
		settings.KubeContext = kubeContext
	}
	return settings.RESTClientGetter().ToRESTConfig()
}

// NewClient returns a clientset for the resolved configuration.
func NewClient(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	config, err := RESTConfig(kubeconfig, kubeContext)
	if err != nil {
		return nil, fmt.Errorf("failed to get kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %w", err)
	}
	return clientset, nil
}
