package cluster

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	obsmetrics "github.com/openmetron/metron/internal/observability/metrics"
)

var (
	servingGVR = schema.GroupVersionResource{
		Group:    "serving.knative.dev",
		Version:  "v1",
		Resource: "services",
	}
	podMetricsGVR = schema.GroupVersionResource{
		Group:    "metrics.k8s.io",
		Version:  "v1beta1",
		Resource: "pods",
	}
)

const (
	minScaleAnnotation = "autoscaling.knative.dev/min-scale"
	maxScaleAnnotation = "autoscaling.knative.dev/max-scale"
	serviceLabel       = "serving.knative.dev/service"
)

// KnativeDriver converges function specs against serving.knative.dev/v1
// Services through the dynamic client and reads pod usage from
// metrics.k8s.io.
type KnativeDriver struct {
	dyn       dynamic.Interface
	core      kubernetes.Interface
	namespace string
	log       *zap.Logger
	metrics   *obsmetrics.Metrics
	backoff   wait.Backoff
}

func NewKnativeDriver(dyn dynamic.Interface, core kubernetes.Interface, namespace string, log *zap.Logger, m *obsmetrics.Metrics) *KnativeDriver {
	return &KnativeDriver{
		dyn:       dyn,
		core:      core,
		namespace: namespace,
		log:       log.Named("cluster.knative"),
		metrics:   m,
		backoff: wait.Backoff{
			Steps:    4,
			Duration: 250 * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
		},
	}
}

func (d *KnativeDriver) services() dynamic.ResourceInterface {
	return d.dyn.Resource(servingGVR).Namespace(d.namespace)
}

// Apply creates or updates the Knative Service for the spec and returns the
// observed status. Conflicts and transient apiserver failures are retried
// within the backoff budget.
func (d *KnativeDriver) Apply(ctx context.Context, spec FunctionSpec) (RuntimeStatus, error) {
	if spec.Name == "" || spec.Image == "" {
		return RuntimeStatus{}, ErrInvalidSpec
	}

	var status RuntimeStatus
	op := func(ctx context.Context) error {
		existing, err := d.services().Get(ctx, spec.Name, metav1.GetOptions{})
		if err != nil {
			mapped := mapError(err)
			if mapped != nil && !isNotFound(mapped) {
				return mapped
			}
			created, err := d.services().Create(ctx, d.buildService(spec, nil), metav1.CreateOptions{})
			if err != nil {
				return mapError(err)
			}
			status = statusFromObject(created)
			return nil
		}

		updated, err := d.services().Update(ctx, d.buildService(spec, existing), metav1.UpdateOptions{})
		if err != nil {
			return mapError(err)
		}
		status = statusFromObject(updated)
		return nil
	}

	err := d.withRetry(ctx, "apply", op)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.IncClusterMutation(ctx, "apply", outcome)
	return status, err
}

func (d *KnativeDriver) Remove(ctx context.Context, name string) error {
	err := d.withRetry(ctx, "remove", func(ctx context.Context) error {
		err := d.services().Delete(ctx, name, metav1.DeleteOptions{})
		if err != nil {
			mapped := mapError(err)
			if isNotFound(mapped) {
				return nil
			}
			return mapped
		}
		return nil
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.IncClusterMutation(ctx, "remove", outcome)
	return err
}

func (d *KnativeDriver) Status(ctx context.Context, name string) (RuntimeStatus, error) {
	obj, err := d.services().Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return RuntimeStatus{}, mapError(err)
	}
	return statusFromObject(obj), nil
}

// Scale rewrites only the autoscaling annotations, leaving image and
// resources untouched. maxScale 0 drives the function to zero replicas.
func (d *KnativeDriver) Scale(ctx context.Context, name string, minScale, maxScale int) error {
	err := d.withRetry(ctx, "scale", func(ctx context.Context) error {
		obj, err := d.services().Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return mapError(err)
		}

		annotations, _, err := unstructured.NestedStringMap(obj.Object, "spec", "template", "metadata", "annotations")
		if err != nil {
			return mapError(err)
		}
		if annotations == nil {
			annotations = map[string]string{}
		}
		annotations[minScaleAnnotation] = strconv.Itoa(minScale)
		annotations[maxScaleAnnotation] = strconv.Itoa(maxScale)
		if err := unstructured.SetNestedStringMap(obj.Object, annotations, "spec", "template", "metadata", "annotations"); err != nil {
			return mapError(err)
		}

		if _, err := d.services().Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
			return mapError(err)
		}
		return nil
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d.metrics.IncClusterMutation(ctx, "scale", outcome)
	return err
}

// PodMetrics joins the function's pods with their metrics.k8s.io readings.
// Pods without a reading yet are reported with zero usage so the collector
// still sees them for instance-second accounting.
func (d *KnativeDriver) PodMetrics(ctx context.Context, name string) ([]PodSample, error) {
	selector := fmt.Sprintf("%s=%s", serviceLabel, name)

	pods, err := d.core.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, mapError(err)
	}

	readings, err := d.podReadings(ctx, selector)
	if err != nil {
		// The metrics API lags pod creation. Usage readings degrade to
		// zero but pod presence is still reported.
		d.log.Debug("pod metrics unavailable", zap.String("function", name), zap.Error(err))
		readings = map[string]reading{}
	}

	samples := make([]PodSample, 0, len(pods.Items))
	for i := range pods.Items {
		pod := &pods.Items[i]
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		sample := PodSample{
			PodName:   pod.Name,
			CreatedAt: pod.CreationTimestamp.Time,
		}
		if started := containerStartTime(pod); started != nil {
			sample.StartedAt = started.Time
		}
		if r, ok := readings[pod.Name]; ok {
			sample.CPUMillicores = r.cpuMillicores
			sample.MemoryMB = r.memoryMB
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

type reading struct {
	cpuMillicores float64
	memoryMB      float64
}

func (d *KnativeDriver) podReadings(ctx context.Context, selector string) (map[string]reading, error) {
	list, err := d.dyn.Resource(podMetricsGVR).Namespace(d.namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, mapError(err)
	}

	readings := make(map[string]reading, len(list.Items))
	for _, item := range list.Items {
		podName := item.GetName()
		containers, _, _ := unstructured.NestedSlice(item.Object, "containers")
		var r reading
		for _, c := range containers {
			container, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			usage, _, _ := unstructured.NestedStringMap(container, "usage")
			if cpu, ok := usage["cpu"]; ok {
				if q, err := resource.ParseQuantity(cpu); err == nil {
					r.cpuMillicores += float64(q.MilliValue())
				}
			}
			if mem, ok := usage["memory"]; ok {
				if q, err := resource.ParseQuantity(mem); err == nil {
					r.memoryMB += float64(q.Value()) / (1024 * 1024)
				}
			}
		}
		readings[podName] = r
	}
	return readings, nil
}

func (d *KnativeDriver) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var lastErr error
	backoff := d.backoff
	for attempt := 0; attempt < backoff.Steps; attempt++ {
		if attempt > 0 {
			d.metrics.IncApplyRetry(ctx, op)
			select {
			case <-ctx.Done():
				return mapError(ctx.Err())
			case <-time.After(backoff.Step()):
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
		d.log.Warn("cluster operation retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return lastErr
}

// buildService renders the spec as an unstructured Knative Service. When
// existing is non-nil its resourceVersion is carried over so the update is
// optimistic-concurrency checked.
func (d *KnativeDriver) buildService(spec FunctionSpec, existing *unstructured.Unstructured) *unstructured.Unstructured {
	env := make([]interface{}, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, map[string]interface{}{"name": k, "value": v})
	}

	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "serving.knative.dev/v1",
		"kind":       "Service",
		"metadata": map[string]interface{}{
			"name":      spec.Name,
			"namespace": d.namespace,
			"labels": map[string]interface{}{
				"app.kubernetes.io/managed-by": "metron",
			},
		},
		"spec": map[string]interface{}{
			"template": map[string]interface{}{
				"metadata": map[string]interface{}{
					"annotations": map[string]interface{}{
						minScaleAnnotation: strconv.Itoa(spec.MinScale),
						maxScaleAnnotation: strconv.Itoa(spec.MaxScale),
					},
				},
				"spec": map[string]interface{}{
					"containers": []interface{}{
						map[string]interface{}{
							"image": spec.Image,
							"env":   env,
							"resources": map[string]interface{}{
								"limits": map[string]interface{}{
									"cpu":    fmt.Sprintf("%dm", spec.CPUMillicores),
									"memory": fmt.Sprintf("%dMi", spec.MemoryMB),
								},
							},
						},
					},
				},
			},
		},
	}}

	if existing != nil {
		obj.SetResourceVersion(existing.GetResourceVersion())
	}
	return obj
}

func statusFromObject(obj *unstructured.Unstructured) RuntimeStatus {
	var status RuntimeStatus
	if url, ok, _ := unstructured.NestedString(obj.Object, "status", "url"); ok {
		status.URL = url
	}
	conditions, _, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	for _, c := range conditions {
		cond, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		if cond["type"] != "Ready" {
			continue
		}
		status.Ready = cond["status"] == "True"
		if reason, ok := cond["reason"].(string); ok {
			status.Reason = reason
		}
	}
	return status
}

func containerStartTime(pod *corev1.Pod) *metav1.Time {
	for i := range pod.Status.ContainerStatuses {
		if running := pod.Status.ContainerStatuses[i].State.Running; running != nil {
			return &running.StartedAt
		}
	}
	return nil
}
