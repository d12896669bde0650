package executor

import (
	"os"

	log "github.com/sirupsen/logrus"
	"k8s.io/client-go/kubernetes"
	_ "k8s.io/client-go/plugin/pkg/client/auth" // Needed for auth side effect
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// SystemConfig returns in-cluster configuration when running inside Kubernetes, and
// otherwise reads kubeconfig, $KUBECONFIG or the default file in that order.
func SystemConfig(kubeconfig string) (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		log.Tracef("Running inside Kubernetes, using in-cluster configuration")
		return cfg, nil
	}
	cf := kubeConfigPath(kubeconfig)
	log.Tracef("Not running inside Kubernetes, using configuration file %s", cf)
	return clientcmd.BuildConfigFromFlags("", cf)
}

func NewKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	config, err := SystemConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(config)
}

func kubeConfigPath(kubeconfig string) string {
	if kubeconfig != "" {
		return kubeconfig
	}
	env, found := os.LookupEnv("KUBECONFIG")
	if !found {
		return clientcmd.RecommendedHomeFile
	}
	return env
}
