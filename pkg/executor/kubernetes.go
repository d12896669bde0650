package executor

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/nais/rollout/pkg/pipeline"
	"github.com/nais/rollout/pkg/registry"
)

const (
	LabelApp      = "app"
	LabelRevision = "rollout.io/revision"
	LabelManaged  = "app.kubernetes.io/managed-by"

	AnnotationArtifact     = "rollout.io/artifact"
	AnnotationConcurrency  = "rollout.io/concurrency"
	AnnotationMaxInstances = "rollout.io/max-instances"

	RegionNodeLabel = "topology.kubernetes.io/region"

	managedBy = "rollout"
)

// KubernetesExecutor runs every revision of a service as its own Deployment and Service
// named <service>-<revision>. A Service named after the service itself carries the
// traffic, and is pointed at one revision at a time.
type KubernetesExecutor struct {
	Client    kubernetes.Interface
	Namespace string
}

var _ Executor = &KubernetesExecutor{}

func NewKubernetesExecutor(client kubernetes.Interface, namespace string) *KubernetesExecutor {
	if namespace == "" {
		namespace = metav1.NamespaceDefault
	}
	return &KubernetesExecutor{
		Client:    client,
		Namespace: namespace,
	}
}

func revisionName(svc registry.Service, revision string) string {
	return svc.Name + "-" + revision
}

func scheme(svc registry.Service) string {
	if svc.Protocol == registry.ProtocolGRPC {
		return "grpc"
	}
	return "http"
}

// Endpoint returns the cluster-internal address of a revision.
func (k *KubernetesExecutor) Endpoint(svc registry.Service, revision string) string {
	return fmt.Sprintf("%s://%s.%s.svc.cluster.local:%d", scheme(svc), revisionName(svc, revision), k.Namespace, svc.Port)
}

// DependencyEnv names the environment variable carrying a dependency's endpoint.
func DependencyEnv(dependency string) string {
	return strings.ToUpper(strings.ReplaceAll(dependency, "-", "_")) + "_URL"
}

func labels(svc registry.Service, revision string) map[string]string {
	return map[string]string{
		LabelApp:      svc.Name,
		LabelRevision: revision,
		LabelManaged:  managedBy,
	}
}

func environment(svc registry.Service, dependencies map[string]string) []corev1.EnvVar {
	env := make([]corev1.EnvVar, 0, len(svc.Env)+len(dependencies))
	for key, value := range svc.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}
	for dep, endpoint := range dependencies {
		env = append(env, corev1.EnvVar{Name: DependencyEnv(dep), Value: endpoint})
	}
	sort.Slice(env, func(i, j int) bool {
		return env[i].Name < env[j].Name
	})
	return env
}

func requirements(profile registry.ResourceProfile) (corev1.ResourceRequirements, error) {
	requests := corev1.ResourceList{}
	if profile.Memory != "" {
		quantity, err := resource.ParseQuantity(profile.Memory)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("memory %q: %w", profile.Memory, err)
		}
		requests[corev1.ResourceMemory] = quantity
	}
	if profile.CPU != "" {
		quantity, err := resource.ParseQuantity(profile.CPU)
		if err != nil {
			return corev1.ResourceRequirements{}, fmt.Errorf("cpu %q: %w", profile.CPU, err)
		}
		requests[corev1.ResourceCPU] = quantity
	}

	limits := corev1.ResourceList{}
	if memory, ok := requests[corev1.ResourceMemory]; ok {
		limits[corev1.ResourceMemory] = memory
	}
	return corev1.ResourceRequirements{Requests: requests, Limits: limits}, nil
}

func (k *KubernetesExecutor) deployment(svc registry.Service, published pipeline.Published, opts Options) (*appsv1.Deployment, error) {
	resources, err := requirements(svc.Resources)
	if err != nil {
		return nil, err
	}

	replicas := int32(svc.Resources.MinInstances)
	if replicas < 1 {
		replicas = 1
	}

	annotations := map[string]string{
		AnnotationArtifact: published.Reference,
	}
	if svc.Resources.MaxInstances > 0 {
		annotations[AnnotationMaxInstances] = strconv.Itoa(svc.Resources.MaxInstances)
	}
	if svc.Resources.Concurrency > 0 {
		annotations[AnnotationConcurrency] = strconv.Itoa(svc.Resources.Concurrency)
	}

	var nodeSelector map[string]string
	if opts.Region != "" {
		nodeSelector = map[string]string{RegionNodeLabel: opts.Region}
	}

	podLabels := labels(svc, published.Revision)

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        revisionName(svc, published.Revision),
			Namespace:   k.Namespace,
			Labels:      podLabels,
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					LabelApp:      svc.Name,
					LabelRevision: published.Revision,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: podLabels,
				},
				Spec: corev1.PodSpec{
					NodeSelector: nodeSelector,
					Containers: []corev1.Container{
						{
							Name:      svc.Name,
							Image:     published.Reference,
							Env:       environment(svc, opts.Dependencies),
							Resources: resources,
							Ports: []corev1.ContainerPort{
								{
									Name:          scheme(svc),
									ContainerPort: int32(svc.Port),
									Protocol:      corev1.ProtocolTCP,
								},
							},
						},
					},
				},
			},
		},
	}, nil
}

func (k *KubernetesExecutor) service(name string, svc registry.Service, revision string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.Namespace,
			Labels: map[string]string{
				LabelApp:     svc.Name,
				LabelManaged: managedBy,
			},
		},
		Spec: corev1.ServiceSpec{
			Type: corev1.ServiceTypeClusterIP,
			Selector: map[string]string{
				LabelApp:      svc.Name,
				LabelRevision: revision,
			},
			Ports: []corev1.ServicePort{
				{
					Name:       scheme(svc),
					Port:       int32(svc.Port),
					TargetPort: intstr.FromInt32(int32(svc.Port)),
					Protocol:   corev1.ProtocolTCP,
				},
			},
		},
	}
}

func (k *KubernetesExecutor) applyDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	client := k.Client.AppsV1().Deployments(k.Namespace)
	existing, err := client.Get(ctx, deployment.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, deployment, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("creating deployment: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("get existing deployment: %w", err)
	}

	deployment.SetResourceVersion(existing.GetResourceVersion())
	_, err = client.Update(ctx, deployment, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("updating deployment: %w", err)
	}
	return nil
}

func (k *KubernetesExecutor) applyService(ctx context.Context, service *corev1.Service) error {
	client := k.Client.CoreV1().Services(k.Namespace)
	existing, err := client.Get(ctx, service.Name, metav1.GetOptions{})
	if errors.IsNotFound(err) {
		_, err = client.Create(ctx, service, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("creating service: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("get existing service: %w", err)
	}

	// cluster IPs are immutable once allocated
	service.Spec.ClusterIP = existing.Spec.ClusterIP
	service.Spec.ClusterIPs = existing.Spec.ClusterIPs
	service.SetResourceVersion(existing.GetResourceVersion())
	_, err = client.Update(ctx, service, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("updating service: %w", err)
	}
	return nil
}

func (k *KubernetesExecutor) Deploy(ctx context.Context, svc registry.Service, published pipeline.Published, opts Options) (string, error) {
	fail := func(err error) (string, error) {
		return "", &DeployError{Service: svc.Name, Err: err}
	}

	if published.Revision == "" {
		return fail(fmt.Errorf("artifact %q has no revision", published.Reference))
	}

	deployment, err := k.deployment(svc, published, opts)
	if err != nil {
		return fail(err)
	}

	name := revisionName(svc, published.Revision)
	logger := log.WithFields(log.Fields{
		"service":   svc.Name,
		"revision":  published.Revision,
		"namespace": k.Namespace,
	})

	err = k.applyDeployment(ctx, deployment)
	if err != nil {
		return fail(err)
	}
	err = k.applyService(ctx, k.service(name, svc, published.Revision))
	if err != nil {
		return fail(err)
	}
	err = k.applyService(ctx, k.service(svc.Name, svc, published.Revision))
	if err != nil {
		return fail(fmt.Errorf("switch traffic: %w", err))
	}

	endpoint := k.Endpoint(svc, published.Revision)
	logger.Infof("deployed %s, traffic switched to %s", published.Reference, endpoint)

	return endpoint, nil
}

// Revision extracts the revision from an endpoint previously returned by Deploy.
func (k *KubernetesExecutor) Revision(svc registry.Service, endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	host := strings.SplitN(u.Hostname(), ".", 2)[0]
	prefix := svc.Name + "-"
	if !strings.HasPrefix(host, prefix) || len(host) == len(prefix) {
		return "", fmt.Errorf("endpoint %q does not belong to service %s", endpoint, svc.Name)
	}
	return strings.TrimPrefix(host, prefix), nil
}

func (k *KubernetesExecutor) RollbackTo(ctx context.Context, svc registry.Service, previousEndpoint string) error {
	fail := func(err error) error {
		return &DeployError{Service: svc.Name, Err: fmt.Errorf("roll back to %s: %w", previousEndpoint, err)}
	}

	revision, err := k.Revision(svc, previousEndpoint)
	if err != nil {
		return fail(err)
	}

	_, err = k.Client.AppsV1().Deployments(k.Namespace).Get(ctx, revisionName(svc, revision), metav1.GetOptions{})
	if err != nil {
		return fail(fmt.Errorf("previous revision: %w", err))
	}

	err = k.applyService(ctx, k.service(svc.Name, svc, revision))
	if err != nil {
		return fail(err)
	}

	log.WithFields(log.Fields{
		"service":  svc.Name,
		"revision": revision,
	}).Infof("traffic restored to %s", previousEndpoint)

	return nil
}
