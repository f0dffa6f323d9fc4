package docker

import "fmt"

// Platform-private labels used to recognize managed containers.
const (
	LabelManaged   = "renderlite.managed"
	LabelSubdomain = "renderlite.subdomain"
)

const (
	namePrefix    = "renderlite-"
	stagingSuffix = "-new"
	shortSHALen   = 7
)

// ContainerName returns the canonical container name for a subdomain.
func ContainerName(subdomain string) string {
	return namePrefix + subdomain
}

// StagingName returns the staging container name used during blue/green swaps.
func StagingName(subdomain string) string {
	return namePrefix + subdomain + stagingSuffix
}

// ImageTag returns the image reference for a subdomain at a commit.
func ImageTag(subdomain, commitSHA string) string {
	return fmt.Sprintf("%s%s:%s", namePrefix, subdomain, ShortSHA(commitSHA))
}

// ShortSHA truncates a commit hash to its 7-character display form.
func ShortSHA(commitSHA string) string {
	if len(commitSHA) <= shortSHALen {
		return commitSHA
	}
	return commitSHA[:shortSHALen]
}

// RouteLabels renders the reverse-proxy and platform labels for a service
// container. One router covers the assigned subdomain; each verified custom
// domain adds another router pointing at the same upstream service.
func RouteLabels(subdomain, network, baseDomain string, port int, enableTLS bool, customDomains []string) map[string]string {
	router := namePrefix + subdomain
	labels := map[string]string{
		"traefik.enable":         "true",
		"traefik.docker.network": network,
		LabelManaged:             "true",
		LabelSubdomain:           subdomain,
	}
	addRouter(labels, router, router, fmt.Sprintf("%s.%s", subdomain, baseDomain), enableTLS)
	for i, hostname := range customDomains {
		addRouter(labels, fmt.Sprintf("%s-domain-%d", router, i), router, hostname, enableTLS)
	}
	labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router)] = fmt.Sprintf("%d", port)
	return labels
}

func addRouter(labels map[string]string, name, upstream, host string, enableTLS bool) {
	labels[fmt.Sprintf("traefik.http.routers.%s.rule", name)] = fmt.Sprintf("Host(`%s`)", host)
	labels[fmt.Sprintf("traefik.http.routers.%s.service", name)] = upstream
	if enableTLS {
		labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", name)] = "websecure"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls", name)] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", name)] = "letsencrypt"
		return
	}
	labels[fmt.Sprintf("traefik.http.routers.%s.entrypoints", name)] = "web"
}
