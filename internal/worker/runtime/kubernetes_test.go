package runtime

import (
	"context"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func newK8sRuntime(clientset *fake.Clientset, cfg KubernetesConfig) *KubernetesRuntime {
	if cfg.Namespace == "" {
		cfg.Namespace = "test-ns"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	return &KubernetesRuntime{clientset: clientset, config: cfg}
}

func TestKubernetesRuntime_Start_CreatesJob(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newK8sRuntime(clientset, KubernetesConfig{})

	ctx := context.Background()
	handle, err := rt.Start(ctx, StartOptions{
		Image:   "runplane/worker:v1",
		Command: []string{"node", "runner.js"},
		Env:     map[string]string{"RUNPLANE_RUN_ID": "run_1"},
	})

	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if handle == nil {
		t.Fatal("expected handle to be non-nil")
	}

	jobs, err := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list jobs: %v", err)
	}
	if len(jobs.Items) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs.Items))
	}

	job := jobs.Items[0]
	container := job.Spec.Template.Spec.Containers[0]

	if container.Image != "runplane/worker:v1" {
		t.Errorf("expected image runplane/worker:v1, got %s", container.Image)
	}
	if len(container.Command) != 2 {
		t.Errorf("expected 2 command args, got %d", len(container.Command))
	}
	if job.Labels["app.kubernetes.io/managed-by"] != "runplane" {
		t.Error("expected managed-by label to be 'runplane'")
	}
}

func TestKubernetesRuntime_Start_WithServiceAccount(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newK8sRuntime(clientset, KubernetesConfig{ServiceAccount: "my-sa"})

	ctx := context.Background()
	_, err := rt.Start(ctx, StartOptions{
		Image:   "runplane/worker:v1",
		Command: []string{"node"},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	job := jobs.Items[0]

	if job.Spec.Template.Spec.ServiceAccountName != "my-sa" {
		t.Errorf("expected service account 'my-sa', got '%s'", job.Spec.Template.Spec.ServiceAccountName)
	}
}

func TestKubernetesHandle_Stop_DeletesJob(t *testing.T) {
	existingJob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "runplane-1",
			Namespace: "test-ns",
		},
	}
	clientset := fake.NewClientset(existingJob)

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "runplane-1",
	}

	ctx := context.Background()
	if err := handle.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	if len(jobs.Items) != 0 {
		t.Errorf("expected 0 jobs after delete, got %d", len(jobs.Items))
	}
}

func TestKubernetesRuntime_Start_DefaultResourceLimits(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newK8sRuntime(clientset, KubernetesConfig{
		DefaultCPULimit:    "1",
		DefaultMemoryLimit: "512Mi",
	})

	ctx := context.Background()
	_, err := rt.Start(ctx, StartOptions{
		Image:   "runplane/worker:v1",
		Command: []string{"node"},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	container := jobs.Items[0].Spec.Template.Spec.Containers[0]

	if got := container.Resources.Limits.Cpu().String(); got != "1" {
		t.Errorf("expected CPU limit '1', got '%s'", got)
	}
	if got := container.Resources.Limits.Memory().String(); got != "512Mi" {
		t.Errorf("expected memory limit '512Mi', got '%s'", got)
	}
}

func TestKubernetesRuntime_Start_MachinePresetOverridesDefaults(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newK8sRuntime(clientset, KubernetesConfig{})

	ctx := context.Background()
	_, err := rt.Start(ctx, StartOptions{
		Image:     "runplane/worker:v1",
		Command:   []string{"node"},
		CPUMillis: 2000,
		MemoryMB:  4096,
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	container := jobs.Items[0].Spec.Template.Spec.Containers[0]

	if got := container.Resources.Limits.Cpu().MilliValue(); got != 2000 {
		t.Errorf("expected CPU limit 2000m, got %dm", got)
	}
	if got := container.Resources.Limits.Memory().Value(); got != 4096<<20 {
		t.Errorf("expected memory limit %d, got %d", int64(4096)<<20, got)
	}
}

func TestKubernetesRuntime_Start_SetsBackoffLimitToZero(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newK8sRuntime(clientset, KubernetesConfig{})

	ctx := context.Background()
	_, _ = rt.Start(ctx, StartOptions{
		Image:   "runplane/worker:v1",
		Command: []string{"node"},
	})

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	job := jobs.Items[0]

	// Retries are scheduled by the controller, never by Kubernetes.
	if *job.Spec.BackoffLimit != 0 {
		t.Errorf("expected backoff limit 0, got %d", *job.Spec.BackoffLimit)
	}
}

func TestKubernetesHandle_WaitForPod_FindsPod(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-pod",
			Namespace: "test-ns",
			Labels:    map[string]string{"job-name": "runplane-1"},
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
		},
	}
	clientset := fake.NewClientset(pod)

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "runplane-1",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	podName, err := handle.waitForPod(ctx)
	if err != nil {
		t.Fatalf("waitForPod failed: %v", err)
	}
	if podName != "test-pod" {
		t.Errorf("expected pod name 'test-pod', got '%s'", podName)
	}
}

func TestKubernetesHandle_WaitForPod_Timeout(t *testing.T) {
	clientset := fake.NewClientset()

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "runplane-1",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := handle.waitForPod(ctx); err == nil {
		t.Error("expected timeout error, got nil")
	}
}

func TestKubernetesHandle_WaitForContainerReady(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "test-pod",
			Namespace: "test-ns",
		},
		Status: corev1.PodStatus{
			Phase: corev1.PodRunning,
		},
	}
	clientset := fake.NewClientset(pod)

	handle := &KubernetesHandle{
		clientset: clientset,
		namespace: "test-ns",
		jobName:   "runplane-1",
		podName:   "test-pod",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := handle.waitForContainerReady(ctx); err != nil {
		t.Fatalf("waitForContainerReady failed: %v", err)
	}
}

func TestKubernetesRuntime_Start_SetsEnvVars(t *testing.T) {
	clientset := fake.NewClientset()
	rt := newK8sRuntime(clientset, KubernetesConfig{})

	ctx := context.Background()
	_, err := rt.Start(ctx, StartOptions{
		Image:   "runplane/worker:v1",
		Command: []string{"node"},
		Env: map[string]string{
			"RUNPLANE_RUN_ID":  "run_1",
			"RUNPLANE_ATTEMPT": "1",
		},
	})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	jobs, _ := clientset.BatchV1().Jobs("test-ns").List(ctx, metav1.ListOptions{})
	container := jobs.Items[0].Spec.Template.Spec.Containers[0]

	if len(container.Env) != 2 {
		t.Errorf("expected 2 env vars, got %d", len(container.Env))
	}

	envMap := make(map[string]string)
	for _, env := range container.Env {
		envMap[env.Name] = env.Value
	}
	if envMap["RUNPLANE_RUN_ID"] != "run_1" {
		t.Errorf("expected RUNPLANE_RUN_ID=run_1, got %s", envMap["RUNPLANE_RUN_ID"])
	}
	if envMap["RUNPLANE_ATTEMPT"] != "1" {
		t.Errorf("expected RUNPLANE_ATTEMPT=1, got %s", envMap["RUNPLANE_ATTEMPT"])
	}
}
